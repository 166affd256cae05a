package driver

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/fly-io/metalprov/pkg/errors"
)

// Method lists the parameters a vendor method accepts.
type Method struct {
	Required []string
	Optional []string
}

// MethodSet is the allow-list of a vendor interface.
type MethodSet map[string]Method

// Check fails with InvalidParameterValue when method is not listed, a
// required parameter is missing or an unknown parameter is given.
func (s MethodSet) Check(method string, params map[string]string) error {
	m, ok := s[method]
	if !ok {
		names := lo.Keys(s)
		slices.Sort(names)
		return errors.InvalidParameter("unsupported vendor method %q, expected one of: %s", method, strings.Join(names, ", "))
	}
	for _, p := range m.Required {
		if _, ok := params[p]; !ok {
			return errors.InvalidParameter("vendor method %q requires parameter %q", method, p)
		}
	}
	for p := range params {
		if !slices.Contains(m.Required, p) && !slices.Contains(m.Optional, p) {
			return errors.InvalidParameter("vendor method %q does not accept parameter %q", method, p)
		}
	}
	return nil
}

// MultiVendor routes each vendor method to the interface that declares it.
type MultiVendor struct {
	routes map[string]VendorInterface
}

var _ VendorInterface = (*MultiVendor)(nil)

// NewMultiVendor combines vendor interfaces. A method declared twice is routed
// to the first interface that declares it.
func NewMultiVendor(ifaces ...VendorInterface) *MultiVendor {
	mv := &MultiVendor{routes: make(map[string]VendorInterface)}
	for _, iface := range ifaces {
		for name := range iface.Methods() {
			if _, ok := mv.routes[name]; !ok {
				mv.routes[name] = iface
			}
		}
	}
	return mv
}

func (mv *MultiVendor) Methods() MethodSet {
	set := make(MethodSet, len(mv.routes))
	for name, iface := range mv.routes {
		set[name] = iface.Methods()[name]
	}
	return set
}

func (mv *MultiVendor) route(method string) (VendorInterface, error) {
	iface, ok := mv.routes[method]
	if !ok {
		return nil, errors.InvalidParameter("no vendor interface handles method %q", method)
	}
	return iface, nil
}

func (mv *MultiVendor) Validate(ctx context.Context, task *Task, method string, params map[string]string) error {
	iface, err := mv.route(method)
	if err != nil {
		return err
	}
	return iface.Validate(ctx, task, method, params)
}

func (mv *MultiVendor) VendorPassthru(ctx context.Context, task *Task, method string, params map[string]string) (any, error) {
	iface, err := mv.route(method)
	if err != nil {
		return nil, err
	}
	return iface.VendorPassthru(ctx, task, method, params)
}
