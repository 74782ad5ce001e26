package apperr

// Generic codes, one per HTTP status.
const (
	HTTPBadRequest           = 1000
	HTTPUnauthorized         = 1001
	HTTPForbidden            = 1003
	HTTPNotFound             = 1004
	HTTPMethodNotAllowed     = 1005
	HTTPConflict             = 1009
	HTTPUnsupportedMediaType = 1015
	HTTPUnprocessableEntity  = 1022
	HTTPTooManyRequests      = 1029
	HTTPServerError          = 1500
)

// Accounts.
const (
	AccEmailTaken         = 2001
	AccInvalidCredentials = 2002
	AccAccountDisabled    = 2003
	AccInvalidOTP         = 2004
	AccNoRefresh          = 2005
	AccInvalidRefresh     = 2006
	AccEmailNotVerified   = 2007
	AccOTPRateLimited     = 2008
	AccOAuthFailed        = 2009
)

// Competitions.
const (
	CompFieldInvalid                 = 3001
	CompTeamSizeInvalid              = 3002
	CompDuplicateParticipantEmail    = 3003
	CompParticipantAlreadyActive     = 3004
	CompInvalidOrExpiredToken        = 3005
	CompTokenExpired                 = 3006
	CompPaymentInitFailed            = 3007
	CompOnlySubmitterCanCancel       = 3008
	CompCancellationNotApplicable    = 3009
	CompCancellationNotAllowed       = 3010
	CompNotInInvestigationState      = 3011
	CompBackofficeRejectInvalidState = 3012
)

// Registrations.
const (
	RegChildInvalidSelection   = 4001
	RegAlreadyOwned            = 4002
	RegChildAlreadyOwned       = 4003
	RegAlreadyFinalOrApproved  = 4004
	RegRejectionReasonRequired = 4005
	RegNoAccess                = 4006
)

// Payments.
const (
	PayAuthRequired          = 5001
	PayMerchantNotConfigured = 5002
	PayExistingSuccess       = 5003
	PayInitFailed            = 5004
	PayGatewayRefused        = 5005
	PayNotFoundForUser       = 5006
)

// Notifications and uploads.
const (
	NotifTemplateNotFound      = 6001
	NotifChannelNotImplemented = 6002
	UploadMissingFile          = 7001
	UploadFailed               = 7002
)

// GenericCode maps an HTTP status to its generic code.
func GenericCode(status int) int {
	switch status {
	case 400:
		return HTTPBadRequest
	case 401:
		return HTTPUnauthorized
	case 403:
		return HTTPForbidden
	case 404:
		return HTTPNotFound
	case 405:
		return HTTPMethodNotAllowed
	case 409:
		return HTTPConflict
	case 415:
		return HTTPUnsupportedMediaType
	case 422:
		return HTTPUnprocessableEntity
	case 429:
		return HTTPTooManyRequests
	default:
		return HTTPServerError
	}
}
