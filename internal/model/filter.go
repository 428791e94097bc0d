package model

import "time"

type Membership string

const (
	Allowed Membership = "allowed"
	Blocked Membership = "blocked"
)

func (m Membership) Valid() bool {
	return m == Allowed || m == Blocked
}

type FilterEntry struct {
	ID          int64      `json:"id"`
	PhoneNumber string     `json:"phoneNumber"`
	Membership  Membership `json:"membership"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Settings is the single configuration record read by the filter policy and
// the API gateway. EnableAutoSync is stored for clients only; the scan loop
// is started and stopped through /v1/loop.
type Settings struct {
	APIURL         string `json:"apiUrl"`
	UseAllowlist   bool   `json:"useAllowlist"`
	UseBlocklist   bool   `json:"useBlocklist"`
	DeviceID       string `json:"deviceId"`
	EnableAutoSync bool   `json:"enableAutoSync"`
}
