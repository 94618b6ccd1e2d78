package weather

import (
	"errors"
	"fmt"
	"strings"
)

// UnitSystem is the usUnits tag stored with each archive record.
type UnitSystem int

// Unit systems as encoded in the archive's usUnits column.
const (
	US       UnitSystem = 0x01
	METRIC   UnitSystem = 0x10
	METRICWX UnitSystem = 0x11
)

// ErrUnknownUnitSystem is returned when a record carries a usUnits tag that
// has no conversion defined.
var ErrUnknownUnitSystem = errors.New("weather: unknown unit system")

func (u UnitSystem) String() string {
	switch u {
	case US:
		return "US"
	case METRIC:
		return "METRIC"
	case METRICWX:
		return "METRICWX"
	default:
		return fmt.Sprintf("UnitSystem(%#x)", int(u))
	}
}

// Valid reports whether u is one of the known systems.
func (u UnitSystem) Valid() bool {
	return u == US || u == METRIC || u == METRICWX
}

// Group classifies an observation by the kind of quantity it measures.
type Group int

const (
	GroupNone Group = iota
	GroupTemperature
	GroupSpeed
	GroupPressure
	GroupRain
	GroupRainRate
)

// fieldGroups lists the observation types that need conversion.
// Everything else (humidity, direction, radiation, counts) is unit-invariant.
var fieldGroups = map[string]Group{
	"outTemp":    GroupTemperature,
	"inTemp":     GroupTemperature,
	"dewpoint":   GroupTemperature,
	"windchill":  GroupTemperature,
	"heatindex":  GroupTemperature,
	"appTemp":    GroupTemperature,
	"extraTemp1": GroupTemperature,
	"extraTemp2": GroupTemperature,
	"extraTemp3": GroupTemperature,
	"soilTemp1":  GroupTemperature,
	"outTempMin": GroupTemperature,
	"outTempMax": GroupTemperature,
	"windSpeed":  GroupSpeed,
	"windGust":   GroupSpeed,
	"barometer":  GroupPressure,
	"pressure":   GroupPressure,
	"altimeter":  GroupPressure,
	"rain":       GroupRain,
	"dayRain":    GroupRain,
	"ET":         GroupRain,
	"hail":       GroupRain,
	"rainRate":   GroupRainRate,
	"hailRate":   GroupRainRate,
}

// knownFields maps the lower-cased spelling of every observation type this
// package knows about to its canonical archive column name. Some SQL backends
// fold unquoted identifiers to lower case.
var knownFields = func() map[string]string {
	m := map[string]string{
		"datetime":    "dateTime",
		"usunits":     "usUnits",
		"interval":    "interval",
		"outhumidity": "outHumidity",
		"inhumidity":  "inHumidity",
		"winddir":     "windDir",
		"windgustdir": "windGustDir",
		"radiation":   "radiation",
		"uv":          "UV",
	}
	for f := range fieldGroups {
		m[strings.ToLower(f)] = f
	}
	return m
}()

// Canonical returns the canonical spelling of an archive column name, or name
// unchanged when it is not a known observation type.
func Canonical(name string) string {
	if c, ok := knownFields[strings.ToLower(name)]; ok {
		return c
	}
	return name
}

// GroupOf returns the unit group for an observation type.
func GroupOf(field string) Group {
	return fieldGroups[field]
}

// ConvertToMetric converts v, measured in group g under system from, into the
// METRIC system: degree_C, km_per_hour, mbar, cm and cm_per_hour.
func ConvertToMetric(g Group, v float64, from UnitSystem) (float64, error) {
	switch from {
	case METRIC:
		return v, nil
	case US:
		switch g {
		case GroupTemperature:
			return (v - 32.0) * 5.0 / 9.0, nil
		case GroupSpeed:
			return v * 1.609344, nil
		case GroupPressure:
			return v * 33.86389, nil
		case GroupRain, GroupRainRate:
			return v * 2.54, nil
		}
		return v, nil
	case METRICWX:
		switch g {
		case GroupSpeed:
			return v * 3.6, nil
		case GroupRain, GroupRainRate:
			return v * 0.1, nil
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownUnitSystem, from)
}

// ToMetric returns a copy of r with every value expressed in METRIC.
// Null values stay null. The input record is not modified.
func ToMetric(r Record) (Record, error) {
	if !r.Units.Valid() {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownUnitSystem, r.Units)
	}
	out := NewRecord(r.DateTime, METRIC)
	for field, v := range r.Values {
		if v == nil {
			out.Values[field] = nil
			continue
		}
		c, err := ConvertToMetric(GroupOf(field), *v, r.Units)
		if err != nil {
			return Record{}, err
		}
		out.Values[field] = &c
	}
	return out, nil
}
