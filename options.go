package warden

import "sync/atomic"

// Program-wide option indices. Options beyond OptionMax are reserved;
// writes to them are no-ops and reads return false.
const (
	// OptUseHTMLBlockPage serves the HTML block page for blocked
	// document requests instead of a bare 403.
	OptUseHTMLBlockPage = 0

	// OptFilterPlainHTTP enables filtering of diverted port-80 traffic.
	OptFilterPlainHTTP = 1

	// OptFilterHTTPS enables TLS interception and filtering of diverted
	// port-443 traffic.
	OptFilterHTTPS = 2

	// OptFilterTextTriggers enables keyword scanning of textual
	// response bodies.
	OptFilterTextTriggers = 3

	// OptFilterElementHiding enables CSS element-hiding injection into
	// HTML responses.
	OptFilterElementHiding = 4

	// OptBlockThirdParty blocks third-party subresource requests
	// outright.
	OptBlockThirdParty = 5

	// OptRequireFirewallApproval gates diversion on the firewall
	// callback.
	OptRequireFirewallApproval = 6

	// OptionMax is the highest defined option index.
	OptionMax = OptRequireFirewallApproval
)

// optionCount is the fixed size of the options vector.
const optionCount = 16

// categoryCount is the fixed size of the category vector. Index 0 is
// reserved: it always reads false and means "do not filter".
const categoryCount = 256

// ProgramOptions holds the engine's live toggles: a fixed vector of
// option flags and a vector of per-category enable flags. All access is
// lock-free single-word atomics, so flips are visible to sessions
// immediately. The zero value has every flag off.
//
// Options are held by the engine instance rather than as process
// globals so multiple engines can coexist in one process.
type ProgramOptions struct {
	options    [optionCount]atomic.Bool
	categories [categoryCount]atomic.Bool
}

// NewProgramOptions returns options with the engine defaults applied:
// block page on, both protocols filtered, text triggers and element
// hiding enabled, and firewall approval required. Third-party blocking
// stays off.
func NewProgramOptions() *ProgramOptions {
	po := &ProgramOptions{}
	po.SetOption(OptUseHTMLBlockPage, true)
	po.SetOption(OptFilterPlainHTTP, true)
	po.SetOption(OptFilterHTTPS, true)
	po.SetOption(OptFilterTextTriggers, true)
	po.SetOption(OptFilterElementHiding, true)
	po.SetOption(OptRequireFirewallApproval, true)
	return po
}

// SetOption sets the option at the given index. Out-of-range indices
// are silently ignored.
func (po *ProgramOptions) SetOption(index uint32, enabled bool) {
	if index > OptionMax {
		return
	}
	po.options[index].Store(enabled)
}

// Option reads the option at the given index. Out-of-range indices
// read false.
func (po *ProgramOptions) Option(index uint32) bool {
	if index > OptionMax {
		return false
	}
	return po.options[index].Load()
}

// SetCategory enables or disables filtering for a rule category.
// Category zero is reserved and writes to it are ignored.
func (po *ProgramOptions) SetCategory(category uint8, enabled bool) {
	if category == 0 {
		return
	}
	po.categories[category].Store(enabled)
}

// Category reports whether the given category is enabled. Category
// zero always reads false.
func (po *ProgramOptions) Category(category uint8) bool {
	if category == 0 {
		return false
	}
	return po.categories[category].Load()
}
