package rainmachine

// Mapping describes how one payload field is derived from a record field.
type Mapping struct {
	Source string
	Scale  float64
	Offset float64
}

// Apply returns v*Scale + Offset.
func (m Mapping) Apply(v float64) float64 {
	return v*m.Scale + m.Offset
}

// Table maps payload field names to their source mappings.
type Table map[string]Mapping

// DefaultTable converts a METRIC archive record into the controller's units:
// epoch seconds, m/s, degree C, percent, kPa and mm.
var DefaultTable = Table{
	"timestamp":   {Source: "dateTime", Scale: 1},
	"wind":        {Source: "windSpeed", Scale: 1.0 / 3.6},
	"temperature": {Source: "outTemp", Scale: 1},
	"maxrh":       {Source: "outHumidity", Scale: 1},
	"dewpoint":    {Source: "dewpoint", Scale: 1},
	"pressure":    {Source: "barometer", Scale: 0.1}, // mbar to kPa
	"rain":        {Source: "dayRain", Scale: 10},
	"mintemp":     {Source: FieldDayMinTemp, Scale: 1},
	"maxtemp":     {Source: FieldDayMaxTemp, Scale: 1},
	"et":          {Source: "ET", Scale: 10},
}
