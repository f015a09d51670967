package receipt

import "strconv"

// Status is the code returned by the verification endpoint.
type Status int

const (
	StatusUnknown                Status = -2
	StatusNone                   Status = -1
	StatusValid                  Status = 0
	StatusJSONNotReadable        Status = 21000
	StatusMalformedOrMissingData Status = 21002
	StatusNotAuthenticated       Status = 21003
	StatusSecretNotMatching      Status = 21004
	StatusServerUnavailable      Status = 21005
	StatusSubscriptionExpired    Status = 21006
	StatusTestReceipt            Status = 21007
	StatusProductionEnvironment  Status = 21008
)

var statusNames = map[Status]string{
	StatusUnknown:                "unknown",
	StatusNone:                   "none",
	StatusValid:                  "valid",
	StatusJSONNotReadable:        "json_not_readable",
	StatusMalformedOrMissingData: "malformed_or_missing_data",
	StatusNotAuthenticated:       "receipt_could_not_be_authenticated",
	StatusSecretNotMatching:      "secret_not_matching",
	StatusServerUnavailable:      "receipt_server_unavailable",
	StatusSubscriptionExpired:    "subscription_expired",
	StatusTestReceipt:            "test_receipt",
	StatusProductionEnvironment:  "production_environment",
}

// StatusFromCode maps an endpoint code to a Status. Undocumented codes become
// StatusUnknown.
func StatusFromCode(code int) Status {
	s := Status(code)
	if _, ok := statusNames[s]; ok {
		return s
	}
	return StatusUnknown
}

func (s Status) IsValid() bool { return s == StatusValid }

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}
