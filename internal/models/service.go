package models

// Service is reference data owned by administrative provisioning; the
// dispatch core only reads it. ServiceTime is the estimated handling time
// in minutes and is always positive.
type Service struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ServiceTime int    `json:"service_time"`
}
