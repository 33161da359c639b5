package dfu

import (
	"errors"

	"github.com/looplab/fsm"

	"github.com/ardnew/softdfu/pkg"
)

// Machine events.
const (
	evDownload     = "download"      // DNLOAD data stage accepted
	evPoll         = "poll"          // GETSTATUS in dfuDNLOAD-SYNC
	evBlockDone    = "block_done"    // applier finished the staged block
	evDownloadEnd  = "download_end"  // zero-length DNLOAD
	evManifest     = "manifest"      // GETSTATUS before manifestation completed
	evManifestDone = "manifest_done" // applier finished manifestation
	evManifestIdle = "manifest_idle" // GETSTATUS after manifestation, tolerant
	evManifestWait = "manifest_wait" // GETSTATUS after manifestation, not tolerant
	evFail         = "fail"
	evClear        = "clear"
	evAbort        = "abort"
	evBusReset     = "bus_reset"
)

// dfuStates lists every state entered in DFU mode.
var dfuStates = []State{
	StateIdle,
	StateDnloadSync,
	StateDnBusy,
	StateDnloadIdle,
	StateManifestSync,
	StateManifest,
	StateManifestWaitReset,
	StateUploadIdle,
	StateError,
}

var stateByName = func() map[string]State {
	m := make(map[string]State, len(dfuStates))
	for _, s := range dfuStates {
		m[s.String()] = s
	}
	return m
}()

func names(states ...State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// newMachine builds the DFU mode transition table. Callbacks run with the
// owning DFU locked and must not take its mutex.
func newMachine(d *DFU) *fsm.FSM {
	all := names(dfuStates...)
	return fsm.NewFSM(
		StateIdle.String(),
		fsm.Events{
			{Name: evDownload, Src: names(StateIdle, StateDnloadIdle), Dst: StateDnloadSync.String()},
			{Name: evPoll, Src: names(StateDnloadSync), Dst: StateDnBusy.String()},
			{Name: evBlockDone, Src: names(StateDnBusy), Dst: StateDnloadIdle.String()},
			{Name: evDownloadEnd, Src: names(StateDnloadIdle), Dst: StateManifestSync.String()},
			{Name: evManifest, Src: names(StateManifestSync), Dst: StateManifest.String()},
			{Name: evManifestDone, Src: names(StateManifest), Dst: StateManifestSync.String()},
			{Name: evManifestIdle, Src: names(StateManifestSync), Dst: StateIdle.String()},
			{Name: evManifestWait, Src: names(StateManifestSync), Dst: StateManifestWaitReset.String()},
			{Name: evFail, Src: all, Dst: StateError.String()},
			{Name: evClear, Src: all, Dst: StateIdle.String()},
			{Name: evAbort, Src: all, Dst: StateIdle.String()},
			{Name: evBusReset, Src: names(StateManifestWaitReset), Dst: StateIdle.String()},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				pkg.LogDebug(pkg.ComponentDFU, "state change",
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst)
			},
			"enter_" + StateIdle.String(): func(e *fsm.Event) {
				d.offset = 0
				d.length = 0
			},
		},
	)
}

// fire applies event to the machine. A transition onto the current state
// is not an error.
func (d *DFU) fire(event string) error {
	err := d.machine.Event(event)
	var same fsm.NoTransitionError
	if err == nil || errors.As(err, &same) {
		return nil
	}
	return err
}

// transition fires event and logs a rejected transition. The request
// handlers only fire events valid in the state they checked.
func (d *DFU) transition(event string) {
	if err := d.fire(event); err != nil {
		pkg.LogWarn(pkg.ComponentDFU, "transition rejected",
			"event", event,
			"state", d.machine.Current(),
			"error", err)
	}
}

// current returns the machine state.
func (d *DFU) current() State {
	if s, ok := stateByName[d.machine.Current()]; ok {
		return s
	}
	return StateError
}
