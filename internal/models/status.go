package models

// Transaction status codes as exposed to partners.
const (
	StatusNew        = 0
	StatusPending    = 1
	StatusApproved   = 2
	StatusCanceled   = 3
	StatusFailed     = 4
	StatusCreated    = 5
	StatusProcessing = 6
)

var statusNames = map[int]string{
	StatusNew:        "NEW",
	StatusPending:    "PENDING",
	StatusApproved:   "APPROVED",
	StatusCanceled:   "CANCELED",
	StatusFailed:     "FAILED",
	StatusCreated:    "CREATED",
	StatusProcessing: "PROCESSING",
}

// CompletedStatuses are terminal: a transaction never leaves them.
var CompletedStatuses = []int{StatusApproved, StatusCanceled, StatusFailed}

// StatusName returns the human readable name of a status code.
func StatusName(code int) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsCompletedStatus reports whether the code is terminal.
func IsCompletedStatus(code int) bool {
	for _, s := range CompletedStatuses {
		if s == code {
			return true
		}
	}
	return false
}
