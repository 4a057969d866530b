package models

// RetentionPolicy defines how long backups are retained.
// A zero value for any field means that bucket is not applied.
type RetentionPolicy struct {
	KeepLast    int `json:"keep_last,omitempty" yaml:"keep_last,omitempty"`
	KeepHourly  int `json:"keep_hourly,omitempty" yaml:"keep_hourly,omitempty"`
	KeepDaily   int `json:"keep_daily,omitempty" yaml:"keep_daily,omitempty"`
	KeepWeekly  int `json:"keep_weekly,omitempty" yaml:"keep_weekly,omitempty"`
	KeepMonthly int `json:"keep_monthly,omitempty" yaml:"keep_monthly,omitempty"`
	KeepYearly  int `json:"keep_yearly,omitempty" yaml:"keep_yearly,omitempty"`
}

// IsZero reports whether no retention bucket is set.
func (p RetentionPolicy) IsZero() bool {
	return p.KeepLast == 0 && p.KeepHourly == 0 && p.KeepDaily == 0 &&
		p.KeepWeekly == 0 && p.KeepMonthly == 0 && p.KeepYearly == 0
}
