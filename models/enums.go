package models

type Location string

const (
	LocationHome Location = "home"
	LocationCar  Location = "car"
)

func (l Location) Valid() bool {
	return l == LocationHome || l == LocationCar
}

type TrackingMode string

const (
	TrackingModeSerial TrackingMode = "serial"
	TrackingModeLot    TrackingMode = "lot"
	TrackingModeNone   TrackingMode = ""
)

type CountType string

const (
	CountTypeCar        CountType = "car"
	CountTypeTotal      CountType = "total"
	CountTypeSerialized CountType = "serialized"
)

func (c CountType) Valid() bool {
	return c == CountTypeCar || c == CountTypeTotal || c == CountTypeSerialized
}

// IncludesHome reports whether the count scope covers home stock in addition to
// the car. A car count is authoritative for the car only.
func (c CountType) IncludesHome() bool {
	return c != CountTypeCar
}

type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

type MutationMethod string

const (
	MutationMethodCreate MutationMethod = "create"
	MutationMethodUpdate MutationMethod = "update"
	MutationMethodDelete MutationMethod = "delete"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// Cached collection names. These are the server entity sets the agent keeps a
// durable copy of for offline reads.
const (
	CollectionProducts   = "products"
	CollectionInventory  = "inventory"
	CollectionHospitals  = "hospitals"
	CollectionProcedures = "procedures"
)

func AllCollections() []string {
	return []string{CollectionProducts, CollectionInventory, CollectionHospitals, CollectionProcedures}
}
