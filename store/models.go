// Package store persists image metadata, fingerprints and duplicate edges
// in a relational database and implements the candidate narrowing search
// over the fingerprint indexes.
package store

import (
	duplicate "github.com/fvlaenix/duplicate-images"
)

type imageRow struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	GroupName       string `gorm:"size:40;not null"`
	MessageID       string `gorm:"size:400;not null;uniqueIndex:idx_images_natural_key,priority:1"`
	NumberInMessage int    `gorm:"not null;uniqueIndex:idx_images_natural_key,priority:2"`
	AdditionalInfo  string `gorm:"size:400;not null"`
	FileName        string `gorm:"size:255;not null"`
	Timestamp       int64  `gorm:"not null"`
	// Data carries inline image bytes on rows written before blob storage
	// existed. New rows leave it NULL; the migrator drains it.
	Data []byte
}

func (imageRow) TableName() string { return "images" }

func (r imageRow) record() duplicate.ImageRecord {
	return duplicate.ImageRecord{
		ID:    r.ID,
		Group: r.GroupName,
		Key: duplicate.NaturalKey{
			MessageID:       r.MessageID,
			NumberInMessage: r.NumberInMessage,
		},
		AdditionalInfo: r.AdditionalInfo,
		FileName:       r.FileName,
		Timestamp:      r.Timestamp,
	}
}

type duplicateRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	GroupName   string `gorm:"size:40;not null"`
	OriginalID  int64  `gorm:"not null;uniqueIndex:idx_duplicates_pair,priority:1"`
	DuplicateID int64  `gorm:"not null;uniqueIndex:idx_duplicates_pair,priority:2"`
	Level       int64  `gorm:"not null"`
}

func (duplicateRow) TableName() string { return "duplicates" }
