package symbolication

import (
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// hexOffset formats n the way clients expect, e.g. "0x3e8" or "-0x1".
func hexOffset(n int64) string {
	if n < 0 {
		return "-0x" + strconv.FormatInt(-n, 16)
	}
	return "0x" + strconv.FormatInt(n, 16)
}

type V4Response struct {
	SymbolicatedStacks [][]string `json:"symbolicatedStacks"`
	KnownModules       []*bool    `json:"knownModules"`
}

// FormatV4 renders a single job in the legacy shape.
func FormatV4(r JobResult) V4Response {
	return V4Response{
		SymbolicatedStacks: lo.Map(r.Stacks, func(stack []ResolvedFrame, _ int) []string {
			return lo.Map(stack, func(f ResolvedFrame, _ int) string { return f.v4String() })
		}),
		KnownModules: r.Known,
	}
}

func (f ResolvedFrame) v4String() string {
	if f.ModuleIndex < 0 {
		return hexOffset(f.ModuleOffset)
	}
	name := hexOffset(f.ModuleOffset)
	if f.Resolved {
		name = f.Function
	}
	return name + " (in " + f.Module + ")"
}

type V5Frame struct {
	Frame          int    `json:"frame"`
	Module         string `json:"module,omitempty"`
	ModuleOffset   string `json:"module_offset"`
	Function       string `json:"function,omitempty"`
	FunctionOffset string `json:"function_offset,omitempty"`
	File           string `json:"file,omitempty"`
	Line           int    `json:"line,omitempty"`
}

type V5Result struct {
	Stacks       [][]V5Frame      `json:"stacks"`
	FoundModules map[string]*bool `json:"found_modules"`
}

type V5Debug struct {
	Time        float64 `json:"time"`
	CacheHits   int     `json:"cache_hits"`
	CacheMisses int     `json:"cache_misses"`
	Downloads   struct {
		Count int     `json:"count"`
		Time  float64 `json:"time"`
	} `json:"downloads"`
	Modules struct {
		Count     int `json:"count"`
		Found     int `json:"found"`
		Requested int `json:"requested"`
	} `json:"modules"`
	Stacks struct {
		Count      int `json:"count"`
		Frames     int `json:"frames"`
		Resolved   int `json:"resolved"`
		Unresolved int `json:"unresolved"`
	} `json:"stacks"`
}

type V5Response struct {
	Results []V5Result `json:"results"`
	Debug   *V5Debug   `json:"debug,omitempty"`
}

// FoundModuleKey identifies a module in found_modules.
func FoundModuleKey(m Module) string {
	return m.DebugFilename + "/" + strings.ToUpper(m.DebugID)
}

// FormatV5 renders jobs in the batch shape. elapsed is only used when debug
// is set.
func FormatV5(results []JobResult, debug bool, elapsed time.Duration) V5Response {
	resp := V5Response{Results: make([]V5Result, 0, len(results))}
	for _, r := range results {
		out := V5Result{
			Stacks:       make([][]V5Frame, 0, len(r.Stacks)),
			FoundModules: make(map[string]*bool, len(r.Modules)),
		}
		for i, m := range r.Modules {
			out.FoundModules[FoundModuleKey(m)] = r.Known[i]
		}
		for _, stack := range r.Stacks {
			out.Stacks = append(out.Stacks, lo.Map(stack, func(f ResolvedFrame, _ int) V5Frame { return f.v5Frame() }))
		}
		resp.Results = append(resp.Results, out)
	}
	if debug {
		resp.Debug = debugBlock(results, elapsed)
	}
	return resp
}

func (f ResolvedFrame) v5Frame() V5Frame {
	out := V5Frame{
		Frame:        f.Frame,
		Module:       f.Module,
		ModuleOffset: hexOffset(f.ModuleOffset),
	}
	if f.Resolved {
		out.Function = f.Function
		out.FunctionOffset = hexOffset(f.FunctionOffset)
		out.File = f.File
		out.Line = f.Line
	}
	return out
}

func debugBlock(results []JobResult, elapsed time.Duration) *V5Debug {
	d := &V5Debug{Time: elapsed.Seconds()}
	for _, r := range results {
		d.CacheHits += r.Stats.CacheHits
		d.CacheMisses += r.Stats.CacheMisses
		d.Downloads.Count += r.Stats.Downloads
		d.Downloads.Time += r.Stats.DownloadTime.Seconds()
		d.Modules.Count += len(r.Modules)
		d.Modules.Requested += lo.CountBy(r.Known, func(k *bool) bool { return k != nil })
		d.Modules.Found += lo.CountBy(r.Known, func(k *bool) bool { return k != nil && *k })
		d.Stacks.Count += len(r.Stacks)
		for _, stack := range r.Stacks {
			d.Stacks.Frames += len(stack)
			d.Stacks.Resolved += lo.CountBy(stack, func(f ResolvedFrame) bool { return f.Resolved })
		}
	}
	d.Stacks.Unresolved = d.Stacks.Frames - d.Stacks.Resolved
	return d
}
