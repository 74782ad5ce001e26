package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"
)

// QueueConfig describes one SQS queue.
type QueueConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Retries int    `yaml:"readRetries"`
}

// AppConfig ...
type AppConfig struct {
	Server struct {
		Addr           string `yaml:"addr"`
		StaticRoot     string `yaml:"staticRoot"`
		StaticURL      string `yaml:"staticURL"`
		ReadTimeout    int    `yaml:"readTimeout"`
		WriteTimeout   int    `yaml:"writeTimeout"`
		RequestTimeout int    `yaml:"requestTimeout"`
		AllowRoot      bool   `yaml:"allowRoot"`
		TimeZone       string `yaml:"timeZone"`
		HealthURL      string `yaml:"healthURL"`
		LogLevel       string `yaml:"loglevel"`
	}
	Storage struct {
		DSN      string `yaml:"dsn"`
		MaxConns int    `yaml:"maxConns"`
	}
	Redis struct {
		URL string `yaml:"url"`
	}
	AWS struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
	}
	S3 struct {
		Endpoint      string `yaml:"endpoint"`
		Region        string `yaml:"region"`
		Bucket        string `yaml:"bucket"`
		AccessKey     string `yaml:"accessKey"`
		SecretKey     string `yaml:"secretKey"`
		UploadsFolder string `yaml:"uploadsFolder"`
		PublicURL     string `yaml:"publicURL"`
	}
	Auth struct {
		SecretKey  string `yaml:"secretKey"`
		OTPSecret  string `yaml:"otpSecret"`
		AccessTTL  int    `yaml:"accessTTL"`
		RefreshTTL int    `yaml:"refreshTTL"`
		Cookie     struct {
			Name   string `yaml:"name"`
			Path   string `yaml:"path"`
			Domain string `yaml:"domain"`
			Secure bool   `yaml:"secure"`
		}
		StateCookie           string `yaml:"stateCookie"`
		FrontendLoginRedirect string `yaml:"frontendLoginRedirect"`
		RequestsPerSecond     int    `yaml:"requestsPerSecond"`
		Burst                 int    `yaml:"burst"`
	}
	GitHub struct {
		ClientID     string `yaml:"clientID"`
		ClientSecret string `yaml:"clientSecret"`
		RedirectURI  string `yaml:"redirectURI"`
		AuthURL      string `yaml:"authURL"`
		TokenURL     string `yaml:"tokenURL"`
		APIURL       string `yaml:"apiURL"`
	}
	Codeforces struct {
		ClientID     string `yaml:"clientID"`
		ClientSecret string `yaml:"clientSecret"`
		RedirectURI  string `yaml:"redirectURI"`
		Issuer       string `yaml:"issuer"`
		AuthURL      string `yaml:"authURL"`
		TokenURL     string `yaml:"tokenURL"`
	}
	Payment struct {
		MerchantID     string `yaml:"merchantID"`
		CallbackURL    string `yaml:"callbackURL"`
		FrontendReturn string `yaml:"frontendReturn"`
		GatewayURL     string `yaml:"gatewayURL"`
		StartPayURL    string `yaml:"startPayURL"`
		Timeout        int    `yaml:"timeout"`
	}
	Skyroom struct {
		BaseURL string `yaml:"baseURL"`
		APIKey  string `yaml:"apiKey"`
		RoomID  int    `yaml:"roomID"`
	}
	Competition struct {
		PublicBaseURL       string `yaml:"publicBaseURL"`
		ApprovalRedirectURL string `yaml:"approvalRedirectURL"`
	}
	Email struct {
		Host     string  `yaml:"host"`
		Port     int     `yaml:"port"`
		User     string  `yaml:"user"`
		Password string  `yaml:"password"`
		UseTLS   bool    `yaml:"useTLS"`
		From     string  `yaml:"from"`
		Rate     string  `yaml:"rate"`
		Chaos    float64 `yaml:"chaos"`
	}
	Notification struct {
		RetryMax     int `yaml:"retryMax"`
		RetryStep    int `yaml:"retryStep"`
		RetryBackoff int `yaml:"retryBackoff"`
		ChunkSize    int `yaml:"chunkSize"`
	}
	Submitter struct {
		Queuesrc QueueConfig
		Workers  int    `yaml:"workers"`
		LogLevel string `yaml:"loglevel"`
	}
	Scheduler struct {
		Queuedst QueueConfig
		Workers  int    `yaml:"workers"`
		LogLevel string `yaml:"loglevel"`
	}
	Worker struct {
		Queuesrc QueueConfig
		Queuedst QueueConfig
		Workers  int    `yaml:"workers"`
		LogLevel string `yaml:"loglevel"`
	}
	Resulter struct {
		Queuesrc QueueConfig
		Workers  int    `yaml:"workers"`
		LogLevel string `yaml:"loglevel"`
	}
	Supervisor struct {
		Workers           int    `yaml:"workers"`
		LogLevel          string `yaml:"loglevel"`
		StaleTimeout      int    `yaml:"staleTimeout"`
		RepairBatchSize   int    `yaml:"repairBatchSize"`
		Expiration        int    `yaml:"expiration"`
		CleanSchedule     string `yaml:"cleanSchedule"`
		ReconcileSchedule string `yaml:"reconcileSchedule"`
		ReconcileAge      int    `yaml:"reconcileAge"`
	}
}

// Read loads the YAML file named by CFG_PATH, then applies .env and
// environment overrides.
func Read() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg := &AppConfig{}
	if filename := os.Getenv("CFG_PATH"); filename != "" {
		buff, err := ioutil.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := Parse(buff, cfg); err != nil {
			return nil, err
		}
	}
	cfg.SetDefaults()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg.
func Parse(buff []byte, cfg *AppConfig) error {
	return yaml.Unmarshal(buff, cfg)
}

// SetDefaults fills every optional value left empty.
func (c *AppConfig) SetDefaults() {
	setString(&c.Server.Addr, "0.0.0.0:8000")
	setString(&c.Server.StaticRoot, "/app/staticfiles")
	setString(&c.Server.StaticURL, "/static/")
	setInt(&c.Server.ReadTimeout, 30)
	setInt(&c.Server.WriteTimeout, 120)
	setInt(&c.Server.RequestTimeout, 120)
	setString(&c.Server.TimeZone, "Asia/Tehran")
	setString(&c.Server.HealthURL, "http://127.0.0.1:8000/api/notification/health/")
	setInt(&c.Storage.MaxConns, 10)
	setString(&c.AWS.Region, "us-east-1")
	setString(&c.S3.Region, "us-east-1")
	setString(&c.S3.UploadsFolder, "user_uploads")
	setInt(&c.Auth.AccessTTL, 15*60)
	setInt(&c.Auth.RefreshTTL, 30*24*60*60)
	setString(&c.Auth.Cookie.Name, "refresh_token")
	setString(&c.Auth.Cookie.Path, "/api/accounts/")
	setString(&c.Auth.StateCookie, "oauth_state")
	setInt(&c.Auth.RequestsPerSecond, 5)
	setInt(&c.Auth.Burst, 10)
	setString(&c.GitHub.AuthURL, "https://github.com/login/oauth/authorize")
	setString(&c.GitHub.TokenURL, "https://github.com/login/oauth/access_token")
	setString(&c.GitHub.APIURL, "https://api.github.com")
	setString(&c.Codeforces.Issuer, "https://codeforces.com")
	setString(&c.Codeforces.AuthURL, "https://codeforces.com/oauth/authorize")
	setString(&c.Codeforces.TokenURL, "https://codeforces.com/oauth/token")
	setString(&c.Payment.GatewayURL, "https://payment.zarinpal.com/pg/v4/payment")
	setString(&c.Payment.StartPayURL, "https://payment.zarinpal.com/pg/StartPay/")
	setInt(&c.Payment.Timeout, 20)
	setInt(&c.Skyroom.RoomID, 1)
	setString(&c.Email.Host, "smtp.gmail.com")
	setInt(&c.Email.Port, 587)
	setString(&c.Email.Rate, "30/m")
	setInt(&c.Notification.RetryMax, 5)
	setInt(&c.Notification.RetryStep, 5)
	setInt(&c.Notification.RetryBackoff, 300)
	setInt(&c.Notification.ChunkSize, 100)
	setInt(&c.Submitter.Workers, 1)
	setInt(&c.Scheduler.Workers, 1)
	setInt(&c.Worker.Workers, 1)
	setInt(&c.Resulter.Workers, 1)
	setInt(&c.Supervisor.Workers, 1)
	setInt(&c.Supervisor.StaleTimeout, 300)
	setInt(&c.Supervisor.RepairBatchSize, 100)
	setInt(&c.Supervisor.Expiration, 7*24*60*60)
	setString(&c.Supervisor.CleanSchedule, "@hourly")
	setString(&c.Supervisor.ReconcileSchedule, "@every 10m")
	setInt(&c.Supervisor.ReconcileAge, 30*60)
}

// ApplyEnv overrides values from environment variables. lookup is
// os.LookupEnv outside of tests.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	texts := map[string]*string{
		"SECRET_KEY":                        &c.Auth.SecretKey,
		"OTP_SECRET":                        &c.Auth.OTPSecret,
		"DATABASE_URL":                      &c.Storage.DSN,
		"REDIS_URL":                         &c.Redis.URL,
		"TIME_ZONE":                         &c.Server.TimeZone,
		"EMAIL_HOST":                        &c.Email.Host,
		"EMAIL_HOST_USER":                   &c.Email.User,
		"EMAIL_HOST_PASSWORD":               &c.Email.Password,
		"DEFAULT_FROM_EMAIL":                &c.Email.From,
		"NOTIF_EMAIL_RATE":                  &c.Email.Rate,
		"ZARINPAL_MERCHANT_ID":              &c.Payment.MerchantID,
		"PAYMENT_CALLBACK_BASE":             &c.Payment.CallbackURL,
		"PAYMENT_FRONTEND_RETURN":           &c.Payment.FrontendReturn,
		"AWS_ACCESS_KEY_ID":                 &c.S3.AccessKey,
		"AWS_SECRET_ACCESS_KEY":             &c.S3.SecretKey,
		"AWS_STORAGE_BUCKET_NAME":           &c.S3.Bucket,
		"AWS_S3_ENDPOINT_URL":               &c.S3.Endpoint,
		"GITHUB_CLIENT_ID":                  &c.GitHub.ClientID,
		"GITHUB_CLIENT_SECRET":              &c.GitHub.ClientSecret,
		"GITHUB_REDIRECT_URI":               &c.GitHub.RedirectURI,
		"FRONTEND_LOGIN_REDIRECT":           &c.Auth.FrontendLoginRedirect,
		"CODEFORCES_CLIENT_ID":              &c.Codeforces.ClientID,
		"CODEFORCES_CLIENT_SECRET":          &c.Codeforces.ClientSecret,
		"CODEFORCES_REDIRECT_URI":           &c.Codeforces.RedirectURI,
		"SKYROOM_BASEURL":                   &c.Skyroom.BaseURL,
		"SKYROOM_APIKEY":                    &c.Skyroom.APIKey,
		"COMPETITION_APPROVAL_REDIRECT_URL": &c.Competition.ApprovalRedirectURL,
	}
	for name, dst := range texts {
		if value, ok := lookup(name); ok {
			*dst = value
		}
	}
	ints := map[string]*int{
		"EMAIL_PORT":               &c.Email.Port,
		"SKYROOM_ROOMID":           &c.Skyroom.RoomID,
		"NOTIF_BULK_CHUNK_SIZE":    &c.Notification.ChunkSize,
		"NOTIF_BULK_RETRY_MAX":     &c.Notification.RetryMax,
		"NOTIF_BULK_RETRY_BACKOFF": &c.Notification.RetryBackoff,
	}
	var result error
	for name, dst := range ints {
		value, ok := lookup(name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*dst = parsed
	}
	if value, ok := lookup("EMAIL_USE_TLS"); ok {
		c.Email.UseTLS = value == "1" || value == "true" || value == "True"
	}
	return result
}

// Validate reports every missing or malformed value at once.
func (c *AppConfig) Validate() error {
	var result error
	if c.Auth.SecretKey == "" {
		result = multierror.Append(result, fmt.Errorf("auth.secretKey is required"))
	}
	if c.Auth.OTPSecret == "" {
		result = multierror.Append(result, fmt.Errorf("auth.otpSecret is required"))
	}
	if c.Storage.DSN == "" {
		result = multierror.Append(result, fmt.Errorf("storage.dsn is required"))
	}
	if _, err := ParseRate(c.Email.Rate); err != nil {
		result = multierror.Append(result, fmt.Errorf("email.rate: %w", err))
	}
	if _, err := time.LoadLocation(c.Server.TimeZone); err != nil {
		result = multierror.Append(result, fmt.Errorf("server.timeZone: %w", err))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("auth token lifetimes must be positive"))
	}
	return result
}

// LogLevel returns the configured log level of a module.
func (c *AppConfig) LogLevel(module string) string {
	switch module {
	case "submitter":
		return c.Submitter.LogLevel
	case "scheduler":
		return c.Scheduler.LogLevel
	case "worker":
		return c.Worker.LogLevel
	case "resulter":
		return c.Resulter.LogLevel
	case "supervisor":
		return c.Supervisor.LogLevel
	default:
		return c.Server.LogLevel
	}
}

// Location returns the configured time zone, UTC when it cannot be loaded.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseRate converts "<n>/<s|m|h>" into a rate.Limit.
func ParseRate(value string) (rate.Limit, error) {
	parts := strings.SplitN(strings.TrimSpace(value), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid rate %q", value)
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("invalid rate %q", value)
	}
	var period time.Duration
	switch parts[1] {
	case "s":
		period = time.Second
	case "m":
		period = time.Minute
	case "h":
		period = time.Hour
	default:
		return 0, fmt.Errorf("invalid rate period %q", parts[1])
	}
	return rate.Every(period / time.Duration(count)), nil
}

func setString(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if *dst == 0 {
		*dst = value
	}
}
