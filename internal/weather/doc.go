// Package weather defines the archive record handed over by the weather
// station and the unit systems its values can be expressed in.
//
// A Record carries the archive interval's dateTime (epoch seconds), the
// usUnits tag and a map of observation values where a nil pointer means the
// station reported null for that field.
//
// ToMetric converts a record from US or METRICWX into the METRIC system using
// per-field unit groups (temperature, speed, pressure, rain, rain rate).
// Fields outside every group are copied unchanged.
package weather
