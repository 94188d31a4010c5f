package hostbus

// Subject hierarchy shared with the printer host.
//
//	{prefix}.events                  -- lifecycle events, host to companion
//	{prefix}.commands.queued         -- every command queued to the printer
//	{prefix}.lines.received          -- every line read from the printer
//	{prefix}.telemetry.temperatures  -- request: heater targets
//	{prefix}.telemetry.job           -- request: current job and byte offset
//	{prefix}.telemetry.state         -- request: printing/paused flags
//	{prefix}.commands.send           -- request: queue commands in order
//	{prefix}.job.select              -- request: select a file, optionally print
//	{prefix}.files.resolve           -- request: storage name to path on disk
type Subjects struct {
	Events         string
	CommandsQueued string
	LinesReceived  string
	Temperatures   string
	Job            string
	State          string
	CommandsSend   string
	JobSelect      string
	FilesResolve   string
}

// DefaultPrefix is used when none is configured
const DefaultPrefix = "printrestore.printer0"

// NewSubjects builds the subject set under prefix
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{
		Events:         prefix + ".events",
		CommandsQueued: prefix + ".commands.queued",
		LinesReceived:  prefix + ".lines.received",
		Temperatures:   prefix + ".telemetry.temperatures",
		Job:            prefix + ".telemetry.job",
		State:          prefix + ".telemetry.state",
		CommandsSend:   prefix + ".commands.send",
		JobSelect:      prefix + ".job.select",
		FilesResolve:   prefix + ".files.resolve",
	}
}
