package domaincfg

import (
	"encoding/json"
	"fmt"
	"os"
)

// Basin is the typed view of one element of the basin list.
type Basin struct {
	ID                  int     `json:"lBasinID"`
	FlowlineFilter      string  `json:"sFilename_flowline_filter"`
	OutletLongitude     float64 `json:"dLongitude_outlet_degree"`
	OutletLatitude      float64 `json:"dLatitude_outlet_degree"`
	SmallRiverThreshold float64 `json:"dThreshold_small_river"`
	Debug               int     `json:"iFlag_debug"`

	extra map[string]json.RawMessage
}

type basinFields Basin

// UnmarshalJSON decodes known keys into fields and keeps the rest.
func (b *Basin) UnmarshalJSON(data []byte) error {
	var fields basinFields
	extra, err := splitExtra(data, &fields)
	if err != nil {
		return err
	}
	*b = Basin(fields)
	b.extra = extra
	return nil
}

// MarshalJSON encodes fields merged over the preserved unknown keys.
func (b Basin) MarshalJSON() ([]byte, error) {
	return mergeExtra(basinFields(b), b.extra)
}

func (b Basin) WithFlowlineFilter(path string) Basin {
	b.FlowlineFilter = path
	return b
}

func (b Basin) WithOutlet(lon, lat float64) Basin {
	b.OutletLongitude = lon
	b.OutletLatitude = lat
	return b
}

// WithSmallRiverThreshold sets the minimum river length in meters.
func (b Basin) WithSmallRiverThreshold(meters float64) Basin {
	b.SmallRiverThreshold = meters
	return b
}

func (b Basin) WithDebug(on bool) Basin {
	b.Debug = boolFlag(on)
	return b
}

// Basins is the basin list document.
type Basins []Basin

// With returns a copy of bs with the basin at i replaced by fn(bs[i]).
func (bs Basins) With(i int, fn func(Basin) Basin) (Basins, error) {
	if i < 0 || i >= len(bs) {
		return nil, fmt.Errorf("%w: index %d, %d basins", ErrIndexOutOfRange, i, len(bs))
	}
	out := make(Basins, len(bs))
	copy(out, bs)
	out[i] = fn(out[i])
	return out, nil
}

// LoadBasins reads a basin list document.
func LoadBasins(path string) (Basins, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read basins: %w", err)
	}
	var bs Basins
	if err := json.Unmarshal(data, &bs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
	}
	return bs, nil
}

// SaveBasins writes a basin list document.
func SaveBasins(path string, bs Basins) error {
	data, err := json.MarshalIndent(bs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal basins: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}
