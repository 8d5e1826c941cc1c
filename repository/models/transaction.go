package models

// Transaction is the core record of a committed transaction, asset payload
// and metadata excluded
type Transaction struct {
	ID        string `gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	Operation string `gorm:"column:operation;type:varchar(16);index;not null"`
	Body      string `gorm:"column:body;type:text;not null"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Spend records which transaction consumed an output
type Spend struct {
	TransactionID string `gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	OutputIndex   int    `gorm:"column:output_index;primaryKey;autoIncrement:false"`
	SpendingTxID  string `gorm:"column:spending_transaction_id;type:varchar(64);index;not null"`
}

func (Spend) TableName() string {
	return "spends"
}
