package weather

import "time"

// Record is one archive interval's observations.
// Values holds nil for fields the station reported as null.
type Record struct {
	DateTime int64
	Units    UnitSystem
	Values   map[string]*float64
}

// NewRecord returns an empty record for the given time and unit system.
func NewRecord(dateTime int64, units UnitSystem) Record {
	return Record{
		DateTime: dateTime,
		Units:    units,
		Values:   make(map[string]*float64),
	}
}

// Float returns a pointer to v, for building Values literals.
func Float(v float64) *float64 {
	return &v
}

// Time returns DateTime as a UTC time.Time.
func (r Record) Time() time.Time {
	return time.Unix(r.DateTime, 0).UTC()
}

// Get returns the value of field and whether it is present and non-null.
func (r Record) Get(field string) (float64, bool) {
	v, ok := r.Values[field]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Set stores v under field. A nil v records an explicit null.
func (r Record) Set(field string, v *float64) {
	if v != nil {
		c := *v
		v = &c
	}
	r.Values[field] = v
}

// Clone returns a deep copy so the caller can modify values without touching
// the producer's record.
func (r Record) Clone() Record {
	out := NewRecord(r.DateTime, r.Units)
	for k, v := range r.Values {
		out.Set(k, v)
	}
	return out
}
