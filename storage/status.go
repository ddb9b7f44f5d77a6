package storage

// Status is the normal outcome of a record operation. Faults such as
// on-disk corruption are reported as errors instead.
type Status uint8

const (
	Successful Status = iota
	KeyNotFound
	KeyFoundButMarkedDeleted
	KeyVersionConflict
	KeyTimestampConflict
	BadParameter
	Unsuccessful
)

var statusNames = [...]string{
	Successful:               "Successful",
	KeyNotFound:              "KeyNotFound",
	KeyFoundButMarkedDeleted: "KeyFoundButMarkedDeleted",
	KeyVersionConflict:       "KeyVersionConflict",
	KeyTimestampConflict:     "KeyTimestampConflict",
	BadParameter:             "BadParameter",
	Unsuccessful:             "Unsuccessful",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// Found reports whether the key was located, live or tombstoned.
func (s Status) Found() bool {
	return s == Successful || s == KeyFoundButMarkedDeleted
}
