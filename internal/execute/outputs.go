package execute

import (
	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/notebook"
)

// displays maps a display_id to every output it was shown in, across all
// cells of a run, so update_display_data can reach outputs of earlier
// cells.
type displays map[string][]*notebook.Output

type displayContent struct {
	Data           notebook.MimeBundle `json:"data"`
	Metadata       map[string]any      `json:"metadata"`
	ExecutionCount *int                `json:"execution_count"`
	Transient      struct {
		DisplayID string `json:"display_id"`
	} `json:"transient"`
}

// handle applies one iopub message addressed to the running cell. It
// reports whether the kernel has gone idle.
func (r *cellRun) handle(msg *kernel.Message) (bool, error) {
	switch msg.Type() {
	case "status":
		var c struct {
			State string `json:"execution_state"`
		}
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		switch c.State {
		case "busy":
			r.stamp("iopub.status.busy")
		case "idle":
			r.stamp("iopub.status.idle")
			return true, nil
		}

	case "execute_input":
		var c struct {
			ExecutionCount *int `json:"execution_count"`
		}
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		r.stamp("iopub.execute_input")
		if c.ExecutionCount != nil {
			r.cell.ExecutionCount = c.ExecutionCount
		}

	case "clear_output":
		var c struct {
			Wait bool `json:"wait"`
		}
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		if c.Wait {
			r.clearPending = true
		} else {
			r.clearOutputs()
		}

	case "stream":
		var c struct {
			Name string `json:"name"`
			Text string `json:"text"`
		}
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		r.flushClear()
		if n := len(r.cell.Outputs); n > 0 {
			last := r.cell.Outputs[n-1]
			if last.Type == notebook.Stream && last.Name == c.Name {
				last.Text += notebook.MultilineString(c.Text)
				return false, nil
			}
		}
		r.cell.Outputs = append(r.cell.Outputs, &notebook.Output{
			Type: notebook.Stream,
			Name: c.Name,
			Text: notebook.MultilineString(c.Text),
		})

	case "display_data", "execute_result":
		var c displayContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		r.flushClear()
		out := &notebook.Output{
			Type:      notebook.OutputType(msg.Type()),
			Data:      c.Data,
			Metadata:  c.Metadata,
			DisplayID: c.Transient.DisplayID,
		}
		if out.Type == notebook.ExecuteResult {
			out.ExecutionCount = c.ExecutionCount
		}
		r.cell.Outputs = append(r.cell.Outputs, out)
		if out.DisplayID != "" {
			r.displays[out.DisplayID] = append(r.displays[out.DisplayID], out)
		}

	case "update_display_data":
		var c displayContent
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		for _, out := range r.displays[c.Transient.DisplayID] {
			out.Data = c.Data
			out.Metadata = c.Metadata
		}

	case "error":
		var c struct {
			EName     string   `json:"ename"`
			EValue    string   `json:"evalue"`
			Traceback []string `json:"traceback"`
		}
		if err := msg.Decode(&c); err != nil {
			return false, err
		}
		r.flushClear()
		r.cell.Outputs = append(r.cell.Outputs, &notebook.Output{
			Type:      notebook.Error,
			EName:     c.EName,
			EValue:    c.EValue,
			Traceback: c.Traceback,
		})
	}
	return false, nil
}

// flushClear performs a clear_output(wait=True) once the next output
// arrives.
func (r *cellRun) flushClear() {
	if r.clearPending {
		r.clearPending = false
		r.clearOutputs()
	}
}

func (r *cellRun) clearOutputs() {
	for _, out := range r.cell.Outputs {
		if out.DisplayID == "" {
			continue
		}
		kept := r.displays[out.DisplayID][:0]
		for _, o := range r.displays[out.DisplayID] {
			if o != out {
				kept = append(kept, o)
			}
		}
		r.displays[out.DisplayID] = kept
	}
	r.cell.Outputs = []*notebook.Output{}
}
