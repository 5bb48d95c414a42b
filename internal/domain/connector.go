package domain

type ConnectorType string

const (
	ConnectorTypeEmail ConnectorType = "EM"
	ConnectorTypePhone ConnectorType = "PH"
	ConnectorTypeApp   ConnectorType = "AP"
)

type ConnectorState string

const (
	ConnectorStatePending   ConnectorState = "PE"
	ConnectorStateValidated ConnectorState = "VO"
	ConnectorStateRevoked   ConnectorState = "RE"
	ConnectorStateRemoved   ConnectorState = "RM"
)

// Connector binds an external identifier (email, phone, custom) to a user.
// A pending connector does not resolve for lookups until validated.
type Connector struct {
	ID     string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID string         `gorm:"type:uuid;index" json:"userId"`
	Type   ConnectorType  `gorm:"type:text;not null" json:"type"`
	Value  string         `gorm:"type:text;not null" json:"value"`
	State  ConnectorState `gorm:"type:text;not null" json:"state"`
}

func (Connector) TableName() string { return "connectors" }

// ConnectorTypeValue is a lookup pair for connector resolution.
type ConnectorTypeValue struct {
	Type  ConnectorType `json:"type"`
	Value string        `json:"value"`
}
