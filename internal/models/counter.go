package models

type Counter struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
