package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ledgerEpochOffset is the number of seconds between the Unix epoch and the
// ledger epoch (2000-01-01T00:00:00Z). Ledger-native absolute deadlines are
// expressed in seconds since the ledger epoch.
const ledgerEpochOffset int64 = 946684800

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr)
	return idWithSuffix
}

// ToLedgerTime converts a time.Time to seconds since the ledger epoch.
// The conversion truncates sub-second precision; ledger deadlines carry
// whole seconds only.
func ToLedgerTime(t time.Time) int64 {
	return t.Unix() - ledgerEpochOffset
}

// FromLedgerTime converts seconds since the ledger epoch to a UTC time.Time.
func FromLedgerTime(s int64) time.Time {
	return time.Unix(s+ledgerEpochOffset, 0).UTC()
}
