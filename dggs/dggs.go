// Package dggs maps discrete global grid systems and resolution levels to
// characteristic cell sizes in meters.
//
// Cell sizes follow DGGRID's characteristic length scale (CLS): the diameter
// of a spherical cap whose area equals the mean cell area on the authalic
// sphere. Values decrease strictly with the resolution index.
package dggs

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// EarthRadius is the authalic radius of the WGS84 ellipsoid in meters, the
// sphere DGGRID projects onto.
const EarthRadius = 6371007.180918475

var (
	ErrUnknownGridSystem    = errors.New("unknown grid system")
	ErrResolutionOutOfRange = errors.New("resolution index out of range")
)

// Topology is the cell shape of a grid system.
type Topology string

const (
	Hexagon  Topology = "hexagon"
	Triangle Topology = "triangle"
	Diamond  Topology = "diamond"
)

// System describes one grid system.
type System struct {
	Name          string
	Projection    string
	Aperture      int
	Topology      Topology
	MaxResolution int
}

var systems = map[string]System{}

func init() {
	for _, proj := range []string{"ISEA", "FULLER"} {
		for _, s := range []System{
			{Aperture: 3, Topology: Hexagon, MaxResolution: 35},
			{Aperture: 4, Topology: Hexagon, MaxResolution: 30},
			{Aperture: 7, Topology: Hexagon, MaxResolution: 20},
			{Aperture: 4, Topology: Triangle, MaxResolution: 30},
			{Aperture: 4, Topology: Diamond, MaxResolution: 30},
		} {
			s.Projection = proj
			s.Name = fmt.Sprintf("%s%d%s", proj, s.Aperture, strings.ToUpper(string(s.Topology[:1])))
			systems[s.Name] = s
		}
	}
}

// Lookup returns the grid system with the given name, ignoring case.
func Lookup(name string) (System, error) {
	s, ok := systems[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return System{}, fmt.Errorf("%w: %q", ErrUnknownGridSystem, name)
	}
	return s, nil
}

// Names returns the supported grid system names in sorted order.
func Names() []string {
	names := make([]string, 0, len(systems))
	for name := range systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cells returns the number of cells covering the globe at resolution res.
func (s System) Cells(res int) float64 {
	a := math.Pow(float64(s.Aperture), float64(res))
	switch s.Topology {
	case Triangle:
		return 20 * a
	case Diamond:
		return 10 * a
	default:
		// 12 pentagons plus hexagons.
		return 10*a + 2
	}
}

// CellArea returns the mean cell area in square meters at resolution res.
func (s System) CellArea(res int) float64 {
	return 4 * math.Pi * EarthRadius * EarthRadius / s.Cells(res)
}

// CharacteristicLength returns the CLS in meters at resolution res.
func (s System) CharacteristicLength(res int) (float64, error) {
	if res < 0 || res > s.MaxResolution {
		return 0, fmt.Errorf("%w: %s supports 0..%d, got %d", ErrResolutionOutOfRange, s.Name, s.MaxResolution, res)
	}
	// Cap of area A has angular radius theta with A = 2*pi*R^2*(1-cos(theta)).
	// The half-angle form keeps precision for tiny caps.
	x := s.CellArea(res) / (2 * math.Pi * EarthRadius * EarthRadius)
	theta := 2 * math.Asin(math.Sqrt(x/2))
	return 2 * EarthRadius * theta, nil
}

// Resolve returns the characteristic cell size in meters for the named grid
// system at resolution index res.
func Resolve(system string, res int) (float64, error) {
	s, err := Lookup(system)
	if err != nil {
		return 0, err
	}
	return s.CharacteristicLength(res)
}

// Resolver maps a grid system and resolution index to meters.
type Resolver interface {
	Resolve(system string, res int) (float64, error)
}

// DGGRID resolves through the analytic DGGRID cell statistics.
type DGGRID struct{}

// Resolve implements Resolver.
func (DGGRID) Resolve(system string, res int) (float64, error) {
	return Resolve(system, res)
}

// Fixed resolves every index to the same size. It serves mesh types whose
// resolution is set directly in meters.
type Fixed float64

// Resolve implements Resolver.
func (f Fixed) Resolve(string, int) (float64, error) {
	if f <= 0 {
		return 0, fmt.Errorf("%w: fixed resolution must be positive, got %g", ErrResolutionOutOfRange, float64(f))
	}
	return float64(f), nil
}

// Row is one line of a resolution table.
type Row struct {
	Resolution int
	Cells      float64
	AreaKm2    float64
	Meters     float64
}

// Table returns rows for resolutions from..to inclusive.
func Table(system string, from, to int) ([]Row, error) {
	s, err := Lookup(system)
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, fmt.Errorf("%w: from %d is after to %d", ErrResolutionOutOfRange, from, to)
	}
	rows := make([]Row, 0, to-from+1)
	for res := from; res <= to; res++ {
		m, err := s.CharacteristicLength(res)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{
			Resolution: res,
			Cells:      s.Cells(res),
			AreaKm2:    s.CellArea(res) / 1e6,
			Meters:     m,
		})
	}
	return rows, nil
}
