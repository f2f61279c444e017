package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

// Module names used for default routing
const (
	ModuleConfiguration = "configuration"
	ModuleTransactions  = "transactions"
	ModuleEVDriver      = "evdriver"
	ModuleSmartCharging = "smartcharging"
	ModuleMonitoring    = "monitoring"
	ModuleReporting     = "reporting"
	ModuleCertificates  = "certificates"
)

var defaultModules = map[string]string{
	"BootNotification":                  ModuleConfiguration,
	"Heartbeat":                         ModuleConfiguration,
	"DataTransfer":                      ModuleConfiguration,
	"FirmwareStatusNotification":        ModuleConfiguration,
	"PublishFirmwareStatusNotification": ModuleConfiguration,
	"SignedFirmwareStatusNotification":  ModuleConfiguration,
	"NotifyDisplayMessages":             ModuleConfiguration,

	"StartTransaction":   ModuleTransactions,
	"StopTransaction":    ModuleTransactions,
	"TransactionEvent":   ModuleTransactions,
	"MeterValues":        ModuleTransactions,
	"StatusNotification": ModuleTransactions,

	"Authorize":               ModuleEVDriver,
	"ReservationStatusUpdate": ModuleEVDriver,

	"NotifyEVChargingNeeds":    ModuleSmartCharging,
	"NotifyEVChargingSchedule": ModuleSmartCharging,
	"NotifyChargingLimit":      ModuleSmartCharging,
	"ClearedChargingLimit":     ModuleSmartCharging,
	"ReportChargingProfiles":   ModuleSmartCharging,

	"NotifyEvent":            ModuleMonitoring,
	"NotifyMonitoringReport": ModuleMonitoring,

	"NotifyReport":                  ModuleReporting,
	"NotifyCustomerInformation":     ModuleReporting,
	"LogStatusNotification":         ModuleReporting,
	"SecurityEventNotification":     ModuleReporting,
	"DiagnosticsStatusNotification": ModuleReporting,

	"SignCertificate":       ModuleCertificates,
	"Get15118EVCertificate": ModuleCertificates,
	"GetCertificateStatus":  ModuleCertificates,
}

// DefaultModuleFor returns the module that owns a station-initiated action
func DefaultModuleFor(action string) string {
	if m, ok := defaultModules[action]; ok {
		return m
	}
	return ModuleConfiguration
}

// Entry is one row of the dispatch table. Module is empty for in-process
// handlers.
type Entry struct {
	Version ocpp.Version
	Action  string
	Module  string
	Handler Handler
}

// Local reports whether the entry runs in process
func (e Entry) Local() bool { return e.Module == "" }

type tableKey struct {
	version ocpp.Version
	action  string
}

// Table maps (version, action) to a handler. It is immutable once built.
type Table struct {
	entries  map[tableKey]Entry
	handlers []Handler
}

// Lookup finds the handler for an action
func (t *Table) Lookup(v ocpp.Version, action string) (Entry, bool) {
	e, ok := t.entries[tableKey{v, action}]
	return e, ok
}

// Entries lists every row ordered by version then action
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Handlers returns each distinct handler once
func (t *Table) Handlers() []Handler { return t.handlers }

// Subscribe calls Subscribe on every handler
func (t *Table) Subscribe(ctx context.Context) error {
	for _, h := range t.handlers {
		if err := h.Subscribe(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown unsubscribes and shuts down every handler, returning the first error
func (t *Table) Shutdown(ctx context.Context) error {
	var first error
	for _, h := range t.handlers {
		if err := h.Unsubscribe(ctx); err != nil && first == nil {
			first = err
		}
		if err := h.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RemoteFactory builds the handler that forwards to a module
type RemoteFactory func(module string) Handler

// TableBuilder assembles a Table at startup
type TableBuilder struct {
	versions  []ocpp.Version
	locals    map[tableKey]Handler
	remotes   map[tableKey]string
	overrides map[string]string
	errs      []error
}

// NewTableBuilder starts a table for the given versions
func NewTableBuilder(versions ...ocpp.Version) *TableBuilder {
	if len(versions) == 0 {
		versions = ocpp.SupportedVersions()
	}
	return &TableBuilder{
		versions:  versions,
		locals:    make(map[tableKey]Handler),
		remotes:   make(map[tableKey]string),
		overrides: make(map[string]string),
	}
}

func (b *TableBuilder) check(v ocpp.Version, action string) bool {
	if !ocpp.IsKnownAction(v, action) {
		b.errs = append(b.errs, fmt.Errorf("%s is not an %s action", action, v))
		return false
	}
	if ocpp.ActionDirection(v, action)&ocpp.FromStation == 0 {
		b.errs = append(b.errs, fmt.Errorf("%s %s is not sent by stations", v, action))
		return false
	}
	return true
}

// Local binds an in-process handler
func (b *TableBuilder) Local(v ocpp.Version, action string, h Handler) *TableBuilder {
	if b.check(v, action) {
		b.locals[tableKey{v, action}] = h
	}
	return b
}

// Remote binds an action to a module reached over the broker
func (b *TableBuilder) Remote(v ocpp.Version, action, module string) *TableBuilder {
	if b.check(v, action) {
		b.remotes[tableKey{v, action}] = module
	}
	return b
}

// Overrides replaces default module ownership. Keys are an action name
// for every version, or "<version>/<action>" for one.
func (b *TableBuilder) Overrides(routes map[string]string) *TableBuilder {
	for k, v := range routes {
		b.overrides[k] = v
	}
	return b
}

func (b *TableBuilder) moduleFor(k tableKey) string {
	if m, ok := b.remotes[k]; ok {
		return m
	}
	if m, ok := b.overrides[string(k.version)+"/"+k.action]; ok {
		return m
	}
	if m, ok := b.overrides[k.action]; ok {
		return m
	}
	return DefaultModuleFor(k.action)
}

// Build produces the table. Every station-initiated action of every version
// gets a row; those without a local handler go to their module through
// remote. A nil remote leaves such actions unrouted, so they are answered
// with NotImplemented.
func (b *TableBuilder) Build(remote RemoteFactory) (*Table, error) {
	if len(b.errs) > 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, b.errs[0]), "TableBuilder", "Build", "validate routes")
	}

	t := &Table{entries: make(map[tableKey]Entry)}
	seen := make(map[Handler]bool)
	remotes := make(map[string]Handler)
	add := func(h Handler) {
		if !seen[h] {
			seen[h] = true
			t.handlers = append(t.handlers, h)
		}
	}

	for _, v := range b.versions {
		actions := ocpp.Actions(v, ocpp.FromStation)
		sort.Strings(actions)
		for _, action := range actions {
			k := tableKey{v, action}
			if h, ok := b.locals[k]; ok {
				t.entries[k] = Entry{Version: v, Action: action, Handler: h}
				add(h)
				continue
			}
			if remote == nil {
				continue
			}
			module := b.moduleFor(k)
			h, ok := remotes[module]
			if !ok {
				h = remote(module)
				remotes[module] = h
			}
			t.entries[k] = Entry{Version: v, Action: action, Module: module, Handler: h}
			add(h)
		}
	}
	return t, nil
}
