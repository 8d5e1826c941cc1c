package models

// Asset holds the data of a CREATE transaction, keyed by that transaction's id
type Asset struct {
	ID   string `gorm:"column:asset_id;primaryKey;type:varchar(64)"`
	Data string `gorm:"column:data;type:text;not null"`
}

func (Asset) TableName() string {
	return "assets"
}

// Metadata holds the metadata of a transaction, one row per transaction.
// A null payload is stored as the JSON literal null.
type Metadata struct {
	ID       string `gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	Metadata string `gorm:"column:metadata;type:text;not null"`
}

func (Metadata) TableName() string {
	return "metadata"
}
