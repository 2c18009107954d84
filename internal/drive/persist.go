package drive

import "time"

// PersistedDrive is the State Store's on-disk representation of one drive.
type PersistedDrive struct {
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Pressure      float64   `json:"pressure"`
	Weight        float64   `json:"weight"`
	Protected     bool      `json:"protected"`
	LastAddressed time.Time `json:"last_addressed"`
	Runtime       bool      `json:"runtime"` // created via add_drive, not config
}

// SaveState serializes every drive to its persisted form.
func (e *Engine) SaveState() []PersistedDrive {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PersistedDrive, 0, len(e.order))
	for _, name := range e.order {
		d := e.drives[name].Snapshot()
		out = append(out, PersistedDrive{
			Name:          d.Name,
			Category:      d.Category,
			Pressure:      d.Pressure,
			Weight:        d.Weight,
			Protected:     d.Protected,
			LastAddressed: d.LastAddressed,
			Runtime:       d.Runtime,
		})
	}
	return out
}

// RestoreState restores pressure/weight/last_addressed for every drive
// that already exists from configuration, and recreates any persisted
// drive that does not exist yet as a runtime drive (one created at some
// point by an add_drive mutation), so mutation-created drives survive
// restart with their weight and pressure intact.
func (e *Engine) RestoreState(persisted []PersistedDrive) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range persisted {
		d, exists := e.drives[p.Name]
		if !exists {
			d = NewDrive(p.Name, p.Category, p.Weight, e.minWeight, e.maxWeight, e.maxPressure, p.Protected)
			d.Runtime = true
			d.Pressure = p.Pressure
			d.LastAddressed = p.LastAddressed
			e.drives[p.Name] = d
			e.order = append(e.order, p.Name)
			continue
		}
		d.mu.Lock()
		d.Pressure = p.Pressure
		d.Weight = p.Weight
		d.LastAddressed = p.LastAddressed
		d.mu.Unlock()
	}
}
