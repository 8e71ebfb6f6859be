package symbolication

import (
	"fmt"
	"strconv"

	"github.com/grafana/regexp"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	validDebugFilename = regexp.MustCompile(`^[A-Za-z0-9_.+{}@<> -]*$`)
	validDebugID       = regexp.MustCompile(`^[A-Fa-f0-9]*$`)
)

// ValidationError is malformed request input. It always aborts the whole
// request before any resolution work.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

type Module struct {
	DebugFilename string
	DebugID       string
}

type Frame struct {
	ModuleIndex  int
	ModuleOffset int64
}

type Job struct {
	Modules []Module
	Stacks  [][]Frame
}

// rawJob is a job as it arrives on the wire, before validation.
type rawJob struct {
	Stacks    jsoniter.RawMessage `json:"stacks"`
	MemoryMap jsoniter.RawMessage `json:"memoryMap"`
}

// parse validates a wire job. i qualifies error messages.
func (r rawJob) parse(i int) (Job, error) {
	modules, err := parseModules(r.MemoryMap)
	if err != nil {
		return Job{}, validationErrorf("job %d has invalid modules: %s", i, err)
	}
	stacks, err := parseStacks(r.Stacks, len(modules))
	if err != nil {
		return Job{}, validationErrorf("job %d has invalid stacks: %s", i, err)
	}
	return Job{Modules: modules, Stacks: stacks}, nil
}

func parseModules(raw jsoniter.RawMessage) ([]Module, error) {
	var items []jsoniter.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil, fmt.Errorf("modules must be a list")
	}
	modules := make([]Module, 0, len(items))
	for i, item := range items {
		var pair []jsoniter.RawMessage
		if json.Unmarshal(item, &pair) != nil || len(pair) != 2 {
			return nil, fmt.Errorf("module index %d does not have a debug_filename and debug_id", i)
		}
		var m Module
		if json.Unmarshal(pair[0], &m.DebugFilename) != nil || !validDebugFilename.MatchString(m.DebugFilename) {
			return nil, fmt.Errorf("module index %d has an invalid debug_filename", i)
		}
		if json.Unmarshal(pair[1], &m.DebugID) != nil || !validDebugID.MatchString(m.DebugID) {
			return nil, fmt.Errorf("module index %d has an invalid debug_id", i)
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func parseStacks(raw jsoniter.RawMessage, numModules int) ([][]Frame, error) {
	var items []jsoniter.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil || len(items) == 0 {
		return nil, fmt.Errorf("stacks must be a non-empty list of lists")
	}
	stacks := make([][]Frame, 0, len(items))
	for i, item := range items {
		var frames []jsoniter.RawMessage
		if json.Unmarshal(item, &frames) != nil || frames == nil {
			return nil, fmt.Errorf("stack %d is not a list", i)
		}
		stack := make([]Frame, 0, len(frames))
		for j, f := range frames {
			var pair []jsoniter.RawMessage
			if json.Unmarshal(f, &pair) != nil || len(pair) != 2 {
				return nil, fmt.Errorf("stack %d frame %d is not a list of two items", i, j)
			}
			index, err := strconv.ParseInt(string(pair[0]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("stack %d frame %d has a module_index that isn't an int", i, j)
			}
			if index < -1 || index >= int64(numModules) {
				return nil, fmt.Errorf("stack %d frame %d has a module_index that isn't in modules", i, j)
			}
			offset, err := strconv.ParseInt(string(pair[1]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("stack %d frame %d has a module_offset that isn't an int", i, j)
			}
			if offset < -1 {
				return nil, fmt.Errorf("stack %d frame %d has a module_offset that is less than -1", i, j)
			}
			stack = append(stack, Frame{ModuleIndex: int(index), ModuleOffset: offset})
		}
		stacks = append(stacks, stack)
	}
	return stacks, nil
}

// V4Request is the legacy single job request.
type V4Request struct {
	rawJob
	Version int `json:"version"`
}

// V5Request carries either a list of jobs or a single job inline.
type V5Request struct {
	Jobs jsoniter.RawMessage `json:"jobs"`
	rawJob
	Debug bool `json:"debug"`
}

// ParseV4 validates a v4 request body.
func ParseV4(body []byte) (Job, error) {
	var req V4Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Job{}, validationErrorf("invalid JSON: %s", err)
	}
	return req.rawJob.parse(0)
}

// ParseV5 validates a v5 request body. Every job is validated before any
// is returned.
func ParseV5(body []byte, maxJobs int) ([]Job, bool, error) {
	var req V5Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, validationErrorf("invalid JSON: %s", err)
	}
	var raws []rawJob
	if len(req.Jobs) > 0 && string(req.Jobs) != "null" {
		if err := json.Unmarshal(req.Jobs, &raws); err != nil {
			return nil, false, validationErrorf("jobs must be a list")
		}
	} else {
		raws = []rawJob{req.rawJob}
	}
	if len(raws) > maxJobs {
		return nil, false, validationErrorf("please limit number of jobs in a single request to <= %d", maxJobs)
	}
	jobs := make([]Job, 0, len(raws))
	for i, r := range raws {
		job, err := r.parse(i)
		if err != nil {
			return nil, false, err
		}
		jobs = append(jobs, job)
	}
	return jobs, req.Debug, nil
}
