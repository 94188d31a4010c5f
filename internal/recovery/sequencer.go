package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/gcode"
	"printrestore/internal/printer"

	"go.uber.org/zap"
)

// Step names
const (
	StepValidate    = "validate"
	StepMarkerStart = "marker-start"
	StepPreheat     = "preheat"
	StepHome        = "home"
	StepHeat        = "heat"
	StepWaypoint    = "waypoint"
	StepFan         = "fan"
	StepRestore     = "restore"
	StepBabystep    = "babystep"
	StepResume      = "resume"
	StepMarkerDone  = "marker-done"
)

// MarkerPrefix starts every replay marker command
const MarkerPrefix = "@printrestore"

// Marker kinds
const (
	MarkerStart = "replay-start"
	MarkerDone  = "replay-done"
)

// RecoveryError reports the step at which a replay failed
type RecoveryError struct {
	Step string
	Err  error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed at %s: %v", e.Step, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Selection names the job file to reopen and where to resume it
type Selection struct {
	Namespace string
	Name      string
	Position  int64
}

// Step is one stage of a replay. A resume step carries a Selection instead
// of commands.
type Step struct {
	Name     string
	Commands []string
	Select   *Selection
}

// MarkerCommand builds a replay marker
func MarkerCommand(kind, replayID string) string {
	return MarkerPrefix + " " + kind + " " + replayID
}

// ParseMarker recognises a replay marker in a queued command
func ParseMarker(raw string) (kind, replayID string, ok bool) {
	fields := strings.Fields(raw)
	if len(fields) != 3 || fields[0] != MarkerPrefix {
		return "", "", false
	}
	switch fields[1] {
	case MarkerStart, MarkerDone:
		return fields[1], fields[2], true
	}
	return "", "", false
}

// Sequencer turns a checkpoint into the command sequence that brings the
// printer back to where the job stopped, and runs it
type Sequencer struct {
	host   printer.Host
	files  printer.FileResolver
	cfg    config.SequenceConfig
	logger *zap.Logger
}

// NewSequencer creates a sequencer
func NewSequencer(host printer.Host, files printer.FileResolver, cfg config.SequenceConfig, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		host:   host,
		files:  files,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "sequencer")),
	}
}

// Plan builds the replay for cp. It has no side effects.
func (s *Sequencer) Plan(cp *checkpoint.Checkpoint, replayID string) ([]Step, error) {
	if err := cp.Restorable(); err != nil {
		return nil, &RecoveryError{Step: StepValidate, Err: err}
	}

	pos := cp.Position
	z, _ := pos.Float(checkpoint.AxisZ)

	var tool1 float64
	if cp.Tool1Target != nil {
		tool1 = *cp.Tool1Target
	}

	steps := []Step{{Name: StepMarkerStart, Commands: []string{MarkerCommand(MarkerStart, replayID)}}}
	add := func(name string, commands []string) {
		if len(commands) > 0 {
			steps = append(steps, Step{Name: name, Commands: commands})
		}
	}

	// Warm enough to free the nozzle without reflowing the part
	var preheat []string
	if cp.BedTarget > 0 {
		preheat = append(preheat, "M140 S"+num(math.Min(cp.BedTarget, s.cfg.SafeBedTemperature)))
	}
	if cp.Tool0Target > 0 {
		preheat = append(preheat, "M109 T0 S"+num(math.Min(cp.Tool0Target, s.cfg.SafeToolTemperature)))
	}
	if tool1 > 0 {
		preheat = append(preheat, "M109 T1 S"+num(math.Min(tool1, s.cfg.SafeToolTemperature)))
	}
	add(StepPreheat, preheat)

	// Z before XY so the nozzle clears the part
	add(StepHome, []string{"T0", "G28 Z", "G28 X Y"})

	var heat []string
	if cp.Tool0Target > 0 {
		heat = append(heat, "M104 T0 S"+num(cp.Tool0Target))
	}
	if tool1 > 0 {
		heat = append(heat, "M104 T1 S"+num(tool1))
	}
	if cp.BedTarget > 0 {
		heat = append(heat, "M190 S"+num(cp.BedTarget))
	}
	if cp.Tool0Target > 0 {
		heat = append(heat, "M109 T0 S"+num(cp.Tool0Target))
	}
	if tool1 > 0 {
		heat = append(heat, "M109 T1 S"+num(tool1))
	}
	add(StepHeat, heat)

	add(StepWaypoint, []string{fmt.Sprintf("G1 X%s Y%s Z%s F%s",
		num(s.cfg.WaypointX), num(s.cfg.WaypointY), num(s.cfg.WaypointZ), num(s.cfg.TravelFeedRate))})

	tool := 0
	if t, ok := pos.Float(checkpoint.AxisTool); ok && t >= 0 {
		tool = int(t)
	}

	if fan, ok := pos.Float(checkpoint.AxisFan); ok && fan > 0 {
		add(StepFan, []string{"M106 S" + num(fan)})
	}

	restore := []string{
		"M420 S1",
		"G90",
		"G1 Z" + num(z),
		fmt.Sprintf("T%d", tool),
		"G92 E0",
		fmt.Sprintf("G1 F%s E%s", num(s.cfg.PrimeFeedRate), num(s.cfg.PrimeLength)),
	}
	if e, ok := pos.Float(checkpoint.AxisE); ok {
		restore = append(restore, "G92 E"+num(e))
	}
	if xy := xyMove(pos); xy != "" {
		restore = append(restore, xy+" F"+num(s.cfg.TravelFeedRate))
	}
	if f, ok := pos.Float(checkpoint.AxisF); ok && f > 0 {
		restore = append(restore, "G1 F"+num(f))
	}
	add(StepRestore, restore)

	if cp.Babystep != 0 {
		add(StepBabystep, []string{"M290 Z" + num(cp.Babystep)})
	}

	name := cp.Path
	if name == "" {
		name = cp.FileName
	}
	steps = append(steps,
		Step{Name: StepResume, Select: &Selection{Namespace: s.cfg.FileNamespace, Name: name, Position: *cp.FilePos}},
		Step{Name: StepMarkerDone, Commands: []string{MarkerCommand(MarkerDone, replayID)}},
	)

	return steps, nil
}

func xyMove(pos checkpoint.Position) string {
	var b strings.Builder
	for _, axis := range []string{checkpoint.AxisX, checkpoint.AxisY} {
		if v, ok := pos.Float(axis); ok {
			b.WriteString(" " + axis + num(v))
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "G1" + b.String()
}

// Execute plans and runs the replay. A failure is returned as
// *RecoveryError and leaves the printer wherever the sequence stopped.
func (s *Sequencer) Execute(ctx context.Context, cp *checkpoint.Checkpoint, replayID string) error {
	steps, err := s.Plan(cp, replayID)
	if err != nil {
		return err
	}

	logger := s.logger.With(zap.String("replay_id", replayID), zap.String("file", cp.FileName))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &RecoveryError{Step: step.Name, Err: err}
		}

		if step.Select != nil {
			if err := s.resume(ctx, step.Select); err != nil {
				logger.Error("Failed to resume job", zap.String("step", step.Name), zap.Error(err))
				return &RecoveryError{Step: step.Name, Err: err}
			}
			continue
		}

		if err := s.host.SendCommands(ctx, step.Commands); err != nil {
			logger.Error("Failed to send recovery commands", zap.String("step", step.Name), zap.Error(err))
			return &RecoveryError{Step: step.Name, Err: err}
		}
		logger.Debug("Sent recovery step", zap.String("step", step.Name), zap.Strings("commands", step.Commands))
	}

	logger.Info("Recovery sequence sent", zap.Int64("file_pos", *cp.FilePos))
	return nil
}

func (s *Sequencer) resume(ctx context.Context, sel *Selection) error {
	path, err := s.files.ResolvePathOnDisk(ctx, sel.Namespace, sel.Name)
	if err != nil {
		return fmt.Errorf("failed to resolve job file: %w", err)
	}
	if err := s.host.SelectFile(ctx, path, sel.Position, true); err != nil {
		return fmt.Errorf("failed to select job file: %w", err)
	}
	return nil
}

// RenderPlan formats steps one command per line, each step introduced by
// a "; <name>" comment line
func RenderPlan(steps []Step) string {
	var b strings.Builder
	for _, step := range steps {
		b.WriteString("; " + step.Name + "\n")
		for _, c := range step.Commands {
			b.WriteString(c + "\n")
		}
		if step.Select != nil {
			fmt.Fprintf(&b, "select %s/%s @ %d\n", step.Select.Namespace, step.Select.Name, step.Select.Position)
		}
	}
	return b.String()
}

// IsInvalid reports whether err means the checkpoint itself was refused
func IsInvalid(err error) bool {
	return errors.Is(err, checkpoint.ErrInvalidCheckpoint)
}

func num(v float64) string {
	return gcode.FormatNumber(v)
}
