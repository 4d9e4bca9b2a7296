package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopOnceDone   StopReason = "once_done"
)
