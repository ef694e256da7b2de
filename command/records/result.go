package records

import (
	"bytes"
	"fmt"

	"github.com/0xPolygon/covtrace/aggregator/storage"
	"github.com/0xPolygon/covtrace/command/helper"
)

func errCallNotFound(id string) error {
	return fmt.Errorf("call %s has no records", id)
}

type CallSummary struct {
	ID      string `json:"id"`
	Seq     uint64 `json:"seq"`
	Records int    `json:"records"`
	Steps   int    `json:"steps"`
}

type CallsResult struct {
	Calls []CallSummary `json:"calls"`
}

func newCallsResult(calls []*storage.Call) *CallsResult {
	res := &CallsResult{Calls: make([]CallSummary, 0, len(calls))}

	for _, call := range calls {
		summary := CallSummary{ID: call.ID, Seq: call.Seq, Records: len(call.Records)}

		for _, r := range call.Records {
			summary.Steps += len(r.Steps)
		}

		res.Calls = append(res.Calls, summary)
	}

	return res
}

func (r *CallsResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[RECORDED CALLS]\n")

	if len(r.Calls) == 0 {
		buffer.WriteString("No calls recorded\n")

		return buffer.String()
	}

	rows := make([]string, len(r.Calls)+1)
	rows[0] = "Seq|Call ID|Records|Steps"

	for i, c := range r.Calls {
		rows[i+1] = fmt.Sprintf("%d|%s|%d|%d", c.Seq, c.ID, c.Records, c.Steps)
	}

	buffer.WriteString(helper.FormatList(rows))
	buffer.WriteString("\n")

	return buffer.String()
}

type RecordResult struct {
	Kind           string `json:"kind"`
	Target         string `json:"target"`
	CodeHash       string `json:"codeHash"`
	Frame          int    `json:"frame"`
	Parent         int    `json:"parent"`
	Depth          int    `json:"depth"`
	Steps          int    `json:"steps"`
	CreatedAddress string `json:"createdAddress,omitempty"`
}

type CallResult struct {
	ID      string         `json:"id"`
	Seq     uint64         `json:"seq"`
	Records []RecordResult `json:"records"`
}

func newCallResult(call *storage.Call) *CallResult {
	res := &CallResult{ID: call.ID, Seq: call.Seq, Records: make([]RecordResult, 0, len(call.Records))}

	for _, r := range call.Records {
		record := RecordResult{
			Kind:     r.Kind,
			Target:   "new contract",
			CodeHash: r.CodeHash.String(),
			Frame:    r.Frame,
			Parent:   r.Parent,
			Depth:    r.Depth,
			Steps:    len(r.Steps),
		}

		if r.Address != nil {
			record.Target = r.Address.String()
		}

		if r.CreatedAddress != nil {
			record.CreatedAddress = r.CreatedAddress.String()
		}

		res.Records = append(res.Records, record)
	}

	return res
}

func (r *CallResult) GetOutput() string {
	var buffer bytes.Buffer

	buffer.WriteString("\n[CALL]\n")
	buffer.WriteString(helper.FormatKV([]string{
		fmt.Sprintf("Call ID|%s", r.ID),
		fmt.Sprintf("Sequence|%d", r.Seq),
		fmt.Sprintf("Records|%d", len(r.Records)),
	}))
	buffer.WriteString("\n")

	for _, record := range r.Records {
		buffer.WriteString(fmt.Sprintf("\n[FRAME %d]\n", record.Frame))
		buffer.WriteString(helper.FormatKV([]string{
			fmt.Sprintf("Kind|%s", record.Kind),
			fmt.Sprintf("Target|%s", record.Target),
			fmt.Sprintf("Created address|%s", record.CreatedAddress),
			fmt.Sprintf("Code hash|%s", record.CodeHash),
			fmt.Sprintf("Parent|%d", record.Parent),
			fmt.Sprintf("Depth|%d", record.Depth),
			fmt.Sprintf("Steps|%d", record.Steps),
		}))
		buffer.WriteString("\n")
	}

	return buffer.String()
}
