package ocpp

// Error codes. The 1.6 spelling of the formation and occurrence codes differs
// from 2.0.1; both are listed.
const (
	ErrorNotImplemented                = "NotImplemented"
	ErrorNotSupported                  = "NotSupported"
	ErrorInternalError                 = "InternalError"
	ErrorProtocolError                 = "ProtocolError"
	ErrorSecurityError                 = "SecurityError"
	ErrorPropertyConstraintViolation   = "PropertyConstraintViolation"
	ErrorTypeConstraintViolation       = "TypeConstraintViolation"
	ErrorGenericError                  = "GenericError"
	ErrorFormationViolation            = "FormationViolation"
	ErrorOccurenceConstraintViolation  = "OccurenceConstraintViolation"
	ErrorFormatViolation               = "FormatViolation"
	ErrorOccurrenceConstraintViolation = "OccurrenceConstraintViolation"
	ErrorMessageTypeNotSupported       = "MessageTypeNotSupported"
	ErrorRpcFrameworkError             = "RpcFrameworkError"
)

// Direction says which side initiates an action
type Direction int

const (
	FromStation Direction = 1 << iota
	FromCSMS
	Both = FromStation | FromCSMS
)

var actions16 = map[string]Direction{
	// Core
	"Authorize":              FromStation,
	"BootNotification":       FromStation,
	"ChangeAvailability":     FromCSMS,
	"ChangeConfiguration":    FromCSMS,
	"ClearCache":             FromCSMS,
	"DataTransfer":           Both,
	"GetConfiguration":       FromCSMS,
	"Heartbeat":              FromStation,
	"MeterValues":            FromStation,
	"RemoteStartTransaction": FromCSMS,
	"RemoteStopTransaction":  FromCSMS,
	"Reset":                  FromCSMS,
	"StartTransaction":       FromStation,
	"StatusNotification":     FromStation,
	"StopTransaction":        FromStation,
	"UnlockConnector":        FromCSMS,

	// Firmware management
	"DiagnosticsStatusNotification": FromStation,
	"FirmwareStatusNotification":    FromStation,
	"GetDiagnostics":                FromCSMS,
	"UpdateFirmware":                FromCSMS,

	// Local auth list
	"GetLocalListVersion": FromCSMS,
	"SendLocalList":       FromCSMS,

	// Reservation
	"CancelReservation": FromCSMS,
	"ReserveNow":        FromCSMS,

	// Smart charging
	"ClearChargingProfile": FromCSMS,
	"GetCompositeSchedule": FromCSMS,
	"SetChargingProfile":   FromCSMS,

	// Remote trigger
	"TriggerMessage": FromCSMS,

	// Security extension
	"CertificateSigned":                FromCSMS,
	"DeleteCertificate":                FromCSMS,
	"ExtendedTriggerMessage":           FromCSMS,
	"GetInstalledCertificateIds":       FromCSMS,
	"GetLog":                           FromCSMS,
	"InstallCertificate":               FromCSMS,
	"LogStatusNotification":            FromStation,
	"SecurityEventNotification":        FromStation,
	"SignCertificate":                  FromStation,
	"SignedFirmwareStatusNotification": FromStation,
	"SignedUpdateFirmware":             FromCSMS,
}

var actions201 = map[string]Direction{
	"Authorize":                         FromStation,
	"BootNotification":                  FromStation,
	"CancelReservation":                 FromCSMS,
	"CertificateSigned":                 FromCSMS,
	"ChangeAvailability":                FromCSMS,
	"ClearCache":                        FromCSMS,
	"ClearChargingProfile":              FromCSMS,
	"ClearDisplayMessage":               FromCSMS,
	"ClearedChargingLimit":              FromStation,
	"ClearVariableMonitoring":           FromCSMS,
	"CostUpdated":                       FromCSMS,
	"CustomerInformation":               FromCSMS,
	"DataTransfer":                      Both,
	"DeleteCertificate":                 FromCSMS,
	"FirmwareStatusNotification":        FromStation,
	"Get15118EVCertificate":             FromStation,
	"GetBaseReport":                     FromCSMS,
	"GetCertificateStatus":              FromStation,
	"GetChargingProfiles":               FromCSMS,
	"GetCompositeSchedule":              FromCSMS,
	"GetDisplayMessages":                FromCSMS,
	"GetInstalledCertificateIds":        FromCSMS,
	"GetLocalListVersion":               FromCSMS,
	"GetLog":                            FromCSMS,
	"GetMonitoringReport":               FromCSMS,
	"GetReport":                         FromCSMS,
	"GetTransactionStatus":              FromCSMS,
	"GetVariables":                      FromCSMS,
	"Heartbeat":                         FromStation,
	"InstallCertificate":                FromCSMS,
	"LogStatusNotification":             FromStation,
	"MeterValues":                       FromStation,
	"NotifyChargingLimit":               FromStation,
	"NotifyCustomerInformation":         FromStation,
	"NotifyDisplayMessages":             FromStation,
	"NotifyEVChargingNeeds":             FromStation,
	"NotifyEVChargingSchedule":          FromStation,
	"NotifyEvent":                       FromStation,
	"NotifyMonitoringReport":            FromStation,
	"NotifyReport":                      FromStation,
	"PublishFirmware":                   FromCSMS,
	"PublishFirmwareStatusNotification": FromStation,
	"ReportChargingProfiles":            FromStation,
	"RequestStartTransaction":           FromCSMS,
	"RequestStopTransaction":            FromCSMS,
	"ReservationStatusUpdate":           FromStation,
	"ReserveNow":                        FromCSMS,
	"Reset":                             FromCSMS,
	"SecurityEventNotification":         FromStation,
	"SendLocalList":                     FromCSMS,
	"SetChargingProfile":                FromCSMS,
	"SetDisplayMessage":                 FromCSMS,
	"SetMonitoringBase":                 FromCSMS,
	"SetMonitoringLevel":                FromCSMS,
	"SetNetworkProfile":                 FromCSMS,
	"SetVariableMonitoring":             FromCSMS,
	"SetVariables":                      FromCSMS,
	"SignCertificate":                   FromStation,
	"StatusNotification":                FromStation,
	"TransactionEvent":                  FromStation,
	"TriggerMessage":                    FromCSMS,
	"UnlockConnector":                   FromCSMS,
	"UnpublishFirmware":                 FromCSMS,
	"UpdateFirmware":                    FromCSMS,
}

var errorCodes16 = set(
	ErrorNotImplemented, ErrorNotSupported, ErrorInternalError, ErrorProtocolError,
	ErrorSecurityError, ErrorFormationViolation, ErrorPropertyConstraintViolation,
	ErrorOccurenceConstraintViolation, ErrorTypeConstraintViolation, ErrorGenericError,
)

var errorCodes201 = set(
	ErrorFormatViolation, ErrorGenericError, ErrorInternalError, ErrorMessageTypeNotSupported,
	ErrorNotImplemented, ErrorNotSupported, ErrorOccurrenceConstraintViolation,
	ErrorPropertyConstraintViolation, ErrorProtocolError, ErrorRpcFrameworkError,
	ErrorSecurityError, ErrorTypeConstraintViolation,
)

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func actionsFor(v Version) map[string]Direction {
	switch v {
	case V16:
		return actions16
	case V201:
		return actions201
	default:
		return nil
	}
}

// IsKnownAction reports whether action exists in v's vocabulary
func IsKnownAction(v Version, action string) bool {
	_, ok := actionsFor(v)[action]
	return ok
}

// ActionDirection returns who may initiate action in v, or 0 if unknown
func ActionDirection(v Version, action string) Direction {
	return actionsFor(v)[action]
}

// Actions returns every action of v that the given side initiates
func Actions(v Version, from Direction) []string {
	var out []string
	for a, d := range actionsFor(v) {
		if d&from != 0 {
			out = append(out, a)
		}
	}
	return out
}

// IsKnownErrorCode reports whether code is valid on a v connection
func IsKnownErrorCode(v Version, code string) bool {
	switch v {
	case V16:
		_, ok := errorCodes16[code]
		return ok
	case V201:
		_, ok := errorCodes201[code]
		return ok
	default:
		return false
	}
}

// FormatViolationCode is the code for a malformed frame on a v connection
func FormatViolationCode(v Version) string {
	if v == V16 {
		return ErrorFormationViolation
	}
	return ErrorFormatViolation
}

// NormalizeErrorCode maps a code from one version's vocabulary onto v's,
// falling back to GenericError for codes v does not know.
func NormalizeErrorCode(v Version, code string) string {
	if IsKnownErrorCode(v, code) {
		return code
	}
	switch code {
	case ErrorFormationViolation, ErrorFormatViolation:
		return FormatViolationCode(v)
	case ErrorOccurenceConstraintViolation, ErrorOccurrenceConstraintViolation:
		if v == V16 {
			return ErrorOccurenceConstraintViolation
		}
		return ErrorOccurrenceConstraintViolation
	case ErrorMessageTypeNotSupported, ErrorRpcFrameworkError:
		return FormatViolationCode(v)
	}
	return ErrorGenericError
}
