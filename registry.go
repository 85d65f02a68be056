package canhub

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/notnil/canhub/internal/metric"
)

// Option configures a Registry.
type Option interface {
	// Apply sets the option value on a registry.
	Apply(*Registry)
}

var _ Option = OptionFunc(nil)

// OptionFunc implements the Option interface.
type OptionFunc func(*Registry)

func (f OptionFunc) Apply(r *Registry) {
	f(r)
}

// WithLogger sets the registry logger. Controllers registered without a
// logger of their own inherit it.
func WithLogger(logger *zap.Logger) Option {
	return OptionFunc(func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	})
}

// WithMeterProvider enables controller metrics on the given provider.
func WithMeterProvider(provider otelmetric.MeterProvider) Option {
	return OptionFunc(func(r *Registry) {
		r.meterProvider = provider
	})
}

// Registry tracks the controllers of a process by bus number and name.
// Lookups hand out counted handles that must be returned with Put; a
// controller's driver is closed once it is unregistered and every handle
// has been put back.
type Registry struct {
	mu     sync.RWMutex
	byNum  map[int]*Controller
	byName map[string]*Controller

	logger        *zap.Logger
	meterProvider otelmetric.MeterProvider
	metrics       otelmetric.Registration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{logger: zap.NewNop()}
	for _, opt := range opts {
		opt.Apply(r)
	}
	if r.meterProvider != nil {
		if err := r.registerMetrics(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) registerMetrics() error {
	meter := r.meterProvider.Meter(metric.InstrumentationName)
	instruments, err := metric.NewControllerMetric(meter)
	if err != nil {
		return err
	}
	r.metrics, err = instruments.Register(meter, r.samples)
	return err
}

func (r *Registry) samples() []metric.Sample {
	controllers := r.Controllers()
	out := make([]metric.Sample, 0, len(controllers))
	for _, c := range controllers {
		st := c.Stats()
		out = append(out, metric.Sample{
			Bus:        c.number,
			Name:       c.name,
			Dispatched: st.Dispatched,
			Delivered:  st.Delivered,
			Dropped:    st.Dropped,
			Filtered:   st.Filtered,
			Mailboxes:  int64(st.Mailboxes),
		})
	}
	return out
}

// Register adds c under its number and name.
func (r *Registry) Register(c *Controller) error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidObject)
	}
	if c.number < 0 || c.number >= MaxControllers {
		return fmt.Errorf("%w: controller number %d out of range", ErrInvalidObject, c.number)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.owner != nil || c.removed.Load() {
		return fmt.Errorf("%w: %s already registered", ErrInvalidObject, c.name)
	}
	if _, ok := r.byNum[c.number]; ok {
		return fmt.Errorf("%w: bus %d already registered", ErrInvalidObject, c.number)
	}
	if r.byNum == nil {
		r.byNum = make(map[int]*Controller)
		r.byName = make(map[string]*Controller)
	}
	if !c.ownLogger {
		c.logger = r.logger
	}
	c.owner = r
	r.byNum[c.number] = c
	r.byName[c.name] = c
	r.logger.Debug("controller registered", zap.String("bus", c.name))
	return nil
}

// LookupByNumber returns the controller registered for bus number and takes
// a handle on it. Return the handle with Put.
func (r *Registry) LookupByNumber(number int) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byNum[number]
	if !ok {
		return nil, false
	}
	c.handles.Inc()
	return c, true
}

// LookupByName is LookupByNumber keyed by name. "can3" and "CAN3" are
// equivalent.
func (r *Registry) LookupByName(name string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[strings.ToUpper(name)]
	if !ok {
		return nil, false
	}
	c.handles.Inc()
	return c, true
}

// ParseBusName returns the number encoded in a "CAN<n>" name.
func ParseBusName(name string) (int, error) {
	if len(name) < 4 || !strings.EqualFold(name[:3], "CAN") {
		return 0, fmt.Errorf("%w: bus name %q", ErrInvalidParam, name)
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil || n < 0 || n >= MaxControllers {
		return 0, fmt.Errorf("%w: bus name %q", ErrInvalidParam, name)
	}
	return n, nil
}

// Put returns a handle taken by a lookup. The last Put on an unregistered
// controller closes its driver.
func (r *Registry) Put(c *Controller) error {
	if c == nil {
		return nil
	}
	n := c.handles.Dec()
	if n < 0 {
		panic("canhub: controller handle put more often than looked up")
	}
	if n == 0 && c.removed.Load() {
		return c.closeDriver()
	}
	return nil
}

// Unregister removes c from the registry. Its mailboxes are closed, which
// wakes blocked readers, and further operations on it fail with
// ErrInvalidObject. The driver is closed now if no handles are outstanding,
// otherwise by the last Put.
func (r *Registry) Unregister(c *Controller) error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidObject)
	}
	r.mu.Lock()
	if cur, ok := r.byNum[c.number]; !ok || cur != c {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s not registered", ErrInvalidObject, c.name)
	}
	delete(r.byNum, c.number)
	delete(r.byName, c.name)
	if len(r.byNum) == 0 {
		r.byNum = nil
		r.byName = nil
	}
	c.removed.Store(true)
	r.mu.Unlock()

	c.retire()
	r.logger.Debug("controller unregistered", zap.String("bus", c.name))
	if c.handles.Load() == 0 {
		return c.closeDriver()
	}
	return nil
}

// Controllers returns the registered controllers sorted by number.
func (r *Registry) Controllers() []*Controller {
	r.mu.RLock()
	out := make([]*Controller, 0, len(r.byNum))
	for _, c := range r.byNum {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}

// Len returns the number of registered controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNum)
}

// Close unregisters every controller and stops metric collection.
func (r *Registry) Close() error {
	var err error
	for _, c := range r.Controllers() {
		err = multierr.Append(err, r.Unregister(c))
	}
	if r.metrics != nil {
		err = multierr.Append(err, r.metrics.Unregister())
		r.metrics = nil
	}
	return err
}
