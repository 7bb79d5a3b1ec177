// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scenario runs scripted sequences of memory manager operations
// against the simulated host. Scenarios are YAML documents:
//
//	name: fixed allocation
//	steps:
//	- op: alloc_user
//	  addr: user+32p
//	  length: 8p
//	  flags: fixed
//	  as: buf
//	  expect: {addr: user+32p}
//	- op: fault
//	  addr: buf+2p
//	  expect: {result: continue-execution, accepted: 1}
//
// Addresses are a base followed by optional "+" or "-" offsets. A base is a
// number, one of the layout names "base", "end", "user" and "user_end", or the
// name given to an earlier allocation with "as". Sizes are byte counts or page
// counts with a "p" suffix.
package scenario

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"enclave.dev/emm/pkg/edmm"
	"enclave.dev/emm/pkg/edmm/simhost"
	"enclave.dev/emm/pkg/emm"
	"enclave.dev/emm/pkg/emm/arena"
	"enclave.dev/emm/pkg/epc"
	"enclave.dev/emm/pkg/errors/linuxerr"
	"enclave.dev/emm/pkg/hostarch"
	"enclave.dev/emm/pkg/log"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	// Op is one of alloc_user, alloc_rts, init_static_region, dealloc,
	// commit, uncommit, modify_type, modify_perms, fault, inject, check
	// and dump.
	Op string `yaml:"op"`

	Addr   string `yaml:"addr"`
	Length string `yaml:"length"`

	// Flags, Type, Prot, Align and Arena build the EmaOptions of an
	// allocation. Type and Prot default to REG and rw.
	Flags string `yaml:"flags"`
	Type  string `yaml:"type"`
	Prot  string `yaml:"prot"`
	Align string `yaml:"align"`
	Arena string `yaml:"arena"`

	// ErrorCode is the #PF error code of a fault.
	ErrorCode uint32 `yaml:"error_code"`

	// HostOp is the host call an inject step makes fail.
	HostOp string `yaml:"host_op"`

	// As names the range of an allocation for later steps.
	As string `yaml:"as"`

	Expect Expect `yaml:"expect"`
}

// Expect holds the checks applied after a step. Unset fields are not
// checked, except Error: a step without an expected error must succeed.
type Expect struct {
	// Error is the errno name, such as EINVAL.
	Error string `yaml:"error"`

	// Addr is the address an allocation must return.
	Addr string `yaml:"addr"`

	// Result is the disposition of a fault.
	Result string `yaml:"result"`

	// Accepted is the number of accepted pages of the area containing
	// the step's address.
	Accepted *uint64 `yaml:"accepted"`

	// HostCalls is the number of host calls the step issued.
	HostCalls *int `yaml:"host_calls"`

	// RtsAreas and UserAreas are the list lengths after the step.
	RtsAreas  *int `yaml:"rts_areas"`
	UserAreas *int `yaml:"user_areas"`
}

// Parse decodes a scenario. Unknown fields are an error.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", s.Name)
	}
	return &s, nil
}

// Load reads and parses the scenario in path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Runner executes scenarios against one manager. Names bound by "as" persist
// across Run calls.
type Runner struct {
	mm   *emm.Manager
	host *simhost.Host
	out  io.Writer

	layout emm.Layout
	names  map[string]hostarch.AddrRange
}

// NewRunner returns a Runner that reports each step to out.
func NewRunner(mm *emm.Manager, host *simhost.Host, out io.Writer) *Runner {
	return &Runner{
		mm:     mm,
		host:   host,
		out:    out,
		layout: mm.Layout(),
		names:  make(map[string]hostarch.AddrRange),
	}
}

// Run executes the steps of s in order and stops at the first step whose
// expectations do not hold.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	log.Infof("Running scenario %q, %d steps", s.Name, len(s.Steps))
	for i := range s.Steps {
		st := &s.Steps[i]
		if err := r.step(ctx, st); err != nil {
			return fmt.Errorf("scenario %q step %d (%s): %w", s.Name, i+1, st.Op, err)
		}
	}
	return nil
}

// outcome is what a step produced.
type outcome struct {
	err    error
	addr   hostarch.Addr
	result *emm.HandleResult
}

func (o outcome) String() string {
	switch {
	case o.err != nil:
		return errName(o.err)
	case o.result != nil:
		return o.result.String()
	case o.addr != 0:
		return o.addr.String()
	default:
		return "ok"
	}
}

func (r *Runner) step(ctx context.Context, st *Step) error {
	before := len(r.host.Calls())
	o, err := r.do(ctx, st)
	if err != nil {
		return err
	}
	calls := r.host.Calls()[before:]
	fmt.Fprintf(r.out, "%-18s %-14s %-6s -> %v (%d host calls)\n", st.Op, st.Addr, st.Length, o, len(calls))
	for _, c := range calls {
		fmt.Fprintf(r.out, "\thost: %v\n", c)
	}
	return r.check(ctx, st, o, len(calls))
}

func (r *Runner) do(ctx context.Context, st *Step) (outcome, error) {
	var o outcome
	switch st.Op {
	case "alloc_user", "alloc_rts", "init_static_region":
		opts, err := r.options(st)
		if err != nil {
			return o, err
		}
		switch st.Op {
		case "alloc_user":
			o.addr, o.err = r.mm.AllocUser(ctx, opts)
		case "alloc_rts":
			o.addr, o.err = r.mm.AllocRts(ctx, opts)
		default:
			o.err = r.mm.InitStaticRegion(ctx, opts)
			o.addr = opts.Addr
		}
		if o.err == nil && st.As != "" {
			r.names[st.As] = o.addr.MustToRange(opts.Length)
		}
		if o.err != nil {
			o.addr = 0
		}

	case "dealloc", "commit", "uncommit", "modify_type", "modify_perms":
		addr, length, err := r.rangeOf(st)
		if err != nil {
			return o, err
		}
		switch st.Op {
		case "dealloc":
			o.err = r.mm.Dealloc(ctx, addr, length)
		case "commit":
			o.err = r.mm.Commit(ctx, addr, length)
		case "uncommit":
			o.err = r.mm.Uncommit(ctx, addr, length)
		case "modify_type":
			typ, err := epc.ParsePageType(st.Type)
			if err != nil {
				return o, err
			}
			o.err = r.mm.ModifyType(ctx, addr, length, typ)
		case "modify_perms":
			prot, err := epc.ParseProt(st.Prot)
			if err != nil {
				return o, err
			}
			o.err = r.mm.ModifyPerms(ctx, addr, length, prot)
		}

	case "fault":
		addr, err := r.addr(st.Addr)
		if err != nil {
			return o, err
		}
		res, err := r.mm.HandlePageFault(ctx, &emm.PfInfo{Addr: addr, ErrorCode: st.ErrorCode})
		o.result, o.err = &res, err

	case "inject":
		addr, err := r.addr(st.Addr)
		if err != nil {
			return o, err
		}
		op, err := parseHostOp(st.HostOp)
		if err != nil {
			return o, err
		}
		r.host.Inject(simhost.Failure{Op: op, Addr: addr})

	case "check":
		o.err = r.mm.CheckInvariants(ctx)
		if o.err != nil {
			return o, o.err
		}

	case "dump":
		r.Dump(ctx, r.out)

	default:
		return o, fmt.Errorf("unknown op %q", st.Op)
	}
	return o, nil
}

func (r *Runner) check(ctx context.Context, st *Step, o outcome, calls int) error {
	exp := &st.Expect
	if got := errName(o.err); got != exp.Error {
		if exp.Error == "" {
			return fmt.Errorf("unexpected error %v", o.err)
		}
		return fmt.Errorf("got error %q, want %q", got, exp.Error)
	}
	if exp.Addr != "" {
		want, err := r.addr(exp.Addr)
		if err != nil {
			return err
		}
		if o.addr != want {
			return fmt.Errorf("got address %v, want %v", o.addr, want)
		}
	}
	if exp.Result != "" {
		if o.result == nil || o.result.String() != exp.Result {
			return fmt.Errorf("got result %v, want %s", o, exp.Result)
		}
	}
	if exp.HostCalls != nil && calls != *exp.HostCalls {
		return fmt.Errorf("got %d host calls, want %d", calls, *exp.HostCalls)
	}
	if exp.Accepted != nil {
		addr := o.addr
		if st.Addr != "" {
			var err error
			if addr, err = r.addr(st.Addr); err != nil {
				return err
			}
		}
		info, ok := r.mm.Lookup(ctx, addr)
		if !ok {
			return fmt.Errorf("no area contains %v", addr)
		}
		if info.AcceptedPages != *exp.Accepted {
			return fmt.Errorf("area %v has %d accepted pages, want %d", info.Range(), info.AcceptedPages, *exp.Accepted)
		}
	}
	for _, c := range []struct {
		typ  emm.RangeType
		want *int
	}{
		{emm.Rts, exp.RtsAreas},
		{emm.User, exp.UserAreas},
	} {
		if c.want == nil {
			continue
		}
		if got := len(r.mm.Snapshot(ctx, c.typ)); got != *c.want {
			return fmt.Errorf("%v list has %d areas, want %d", c.typ, got, *c.want)
		}
	}
	return nil
}

// Dump writes both lists to w.
func (r *Runner) Dump(ctx context.Context, w io.Writer) {
	for _, typ := range []emm.RangeType{emm.Rts, emm.User} {
		fmt.Fprintf(w, "%v areas:\n", typ)
		for _, info := range r.mm.Snapshot(ctx, typ) {
			fmt.Fprintf(w, "\t%v\n", info)
		}
	}
}

func (r *Runner) options(st *Step) (emm.EmaOptions, error) {
	var opts emm.EmaOptions
	var err error
	if st.Addr != "" {
		if opts.Addr, err = r.addr(st.Addr); err != nil {
			return opts, err
		}
	}
	if st.Length == "" {
		return opts, fmt.Errorf("length is required")
	}
	if opts.Length, err = parseSize(st.Length); err != nil {
		return opts, err
	}
	if opts.AllocFlags, err = emm.ParseAllocFlags(st.Flags); err != nil {
		return opts, err
	}
	opts.PageInfo = epc.PageInfo{Type: epc.Reg, Prot: epc.ProtRW}
	if st.Type != "" {
		if opts.PageInfo.Type, err = epc.ParsePageType(st.Type); err != nil {
			return opts, err
		}
	}
	if st.Prot != "" {
		if opts.PageInfo.Prot, err = epc.ParseProt(st.Prot); err != nil {
			return opts, err
		}
	}
	if st.Align != "" {
		if opts.Alignment, err = parseSize(st.Align); err != nil {
			return opts, err
		}
	}
	if opts.Allocator, err = arena.ParseKind(st.Arena); err != nil {
		return opts, err
	}
	return opts, nil
}

// rangeOf returns the range a step operates on. Without a length, the
// address must be a bare name and its whole range is used.
func (r *Runner) rangeOf(st *Step) (hostarch.Addr, uint64, error) {
	addr, err := r.addr(st.Addr)
	if err != nil {
		return 0, 0, err
	}
	if st.Length == "" {
		ar, ok := r.names[st.Addr]
		if !ok {
			return 0, 0, fmt.Errorf("length is required unless addr names an allocation")
		}
		return addr, ar.Length(), nil
	}
	length, err := parseSize(st.Length)
	return addr, length, err
}

// addr evaluates an address expression.
func (r *Runner) addr(expr string) (hostarch.Addr, error) {
	expr = strings.ReplaceAll(expr, " ", "")
	if expr == "" {
		return 0, fmt.Errorf("address is required")
	}
	i := strings.IndexAny(expr, "+-")
	if i < 0 {
		i = len(expr)
	}
	addr, err := r.base(expr[:i])
	if err != nil {
		return 0, err
	}
	for rest := expr[i:]; rest != ""; {
		sign := rest[0]
		rest = rest[1:]
		j := strings.IndexAny(rest, "+-")
		if j < 0 {
			j = len(rest)
		}
		off, err := parseSize(rest[:j])
		if err != nil {
			return 0, fmt.Errorf("address %q: %w", expr, err)
		}
		if sign == '+' {
			addr += hostarch.Addr(off)
		} else {
			addr -= hostarch.Addr(off)
		}
		rest = rest[j:]
	}
	return addr, nil
}

func (r *Runner) base(name string) (hostarch.Addr, error) {
	switch name {
	case "base":
		return r.layout.Base, nil
	case "end":
		return r.layout.Enclave().End, nil
	case "user":
		return r.layout.UserBase, nil
	case "user_end":
		return r.layout.User().End, nil
	}
	if ar, ok := r.names[name]; ok {
		return ar.Start, nil
	}
	v, err := strconv.ParseUint(name, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown address %q", name)
	}
	return hostarch.Addr(v), nil
}

// parseSize parses a byte count or a page count such as "16p".
func parseSize(s string) (uint64, error) {
	if n, ok := strings.CutSuffix(s, "p"); ok {
		pages, err := strconv.ParseUint(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid page count %q", s)
		}
		return hostarch.PagesToBytes(pages), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v, nil
}

func parseHostOp(s string) (edmm.Op, error) {
	for _, op := range edmm.Ops {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown host op %q", s)
}

// errName returns the errno name of err, its message if it carries no errno,
// or "" for nil.
func errName(err error) string {
	if err == nil {
		return ""
	}
	if errno, ok := linuxerr.ErrnoOf(err); ok {
		if name := unix.ErrnoName(errno); name != "" {
			return name
		}
	}
	return err.Error()
}
