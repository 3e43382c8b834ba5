package domain

import (
	"encoding/json"
	"fmt"
)

// Stations is the configured station registry keyed by station ID.
type Stations map[string]Station

// Decode reads a JSON array of stations for envconfig.
func (s *Stations) Decode(value string) error {
	var list []Station
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return fmt.Errorf("decode stations: %w", err)
	}
	out := make(Stations, len(list))
	for _, st := range list {
		if st.ID == "" {
			return fmt.Errorf("decode stations: station without id")
		}
		out[st.ID] = st
	}
	*s = out
	return nil
}

func (s Stations) Get(id string) (Station, bool) {
	st, ok := s[id]
	return st, ok
}

// Locate satisfies geo.StationLocator.
func (s Stations) Locate(id string) (float64, float64, bool) {
	st, ok := s[id]
	return st.Lat, st.Lon, ok
}
