package models

import "time"

type PeriodStatus string

const (
	PeriodStatusEmpty    PeriodStatus = "empty"
	PeriodStatusListOnly PeriodStatus = "list_only"
	PeriodStatusPartial  PeriodStatus = "partial"
	PeriodStatusFull     PeriodStatus = "full"
)

// Period is a computed completeness bucket; it is never stored.
type Period struct {
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Status        PeriodStatus `json:"status"`
	Count         int          `json:"count"`
	FullDataCount int          `json:"full_data_count"`
}
