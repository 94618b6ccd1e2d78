// Package daystats computes the day-to-date minimum and maximum of an archive
// column for the UTC calendar day containing a timestamp.
package daystats
