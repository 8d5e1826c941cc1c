package models

import "time"

// Block is a consensus checkpoint
type Block struct {
	Height    int64     `gorm:"column:height;primaryKey;autoIncrement:false"`
	AppHash   string    `gorm:"column:app_hash;type:varchar(128);not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Block) TableName() string {
	return "blocks"
}

// MigrateModels lists every model the gorm store creates tables for
var MigrateModels = []interface{}{
	&Transaction{},
	&Spend{},
	&Asset{},
	&Metadata{},
	&Block{},
}
