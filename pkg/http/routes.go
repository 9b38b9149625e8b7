package http

// Route names, which are also the method label on request metrics.
const (
	RandomPhoto = "RandomPhoto"
	Status      = "Status"
	Health      = "Health"
	Metrics     = "Metrics"
	NotFound    = "NotFound"
)
