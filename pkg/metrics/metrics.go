package metrics

/*
Labels and so on for metrics used in photopool.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for the photo pool
	LabelSource = "source"
	LabelTask   = "task"
	LabelKind   = "kind"
	LabelStatus = "status"
)
