package models

import (
	"time"
)

// Record is one document of a collection. Value holds every field except
// id and timestamp, which live in their own columns.
type Record struct {
	Path      string    `json:"path" gorm:"primaryKey;type:text;index:idx_record_path_ts,priority:1"`
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Value     string    `json:"value" gorm:"type:jsonb;not null;default:'{}'"`
	Timestamp int64     `json:"timestamp" gorm:"column:ts;not null;index:idx_record_path_ts,priority:2"`
	CDate     time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
	MDate     time.Time `json:"mdate" gorm:"autoUpdateTime"`
}
