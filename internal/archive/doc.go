// Package archive reads the weather station's archive table.
//
// Store wraps a *sql.DB opened with the lib/pq driver. It answers the two
// questions the uploader needs: the MIN/MAX of a column over a dateTime
// window (DayMinMax) and the archive rows newer than a given dateTime
// (Latest, Since). Identifiers are quoted with pq.QuoteIdentifier because the
// archive schema uses camelCase column names.
//
// Poller turns the table into the "new archive record" event stream: it
// starts at the newest existing row and calls the emit callback once for
// every row that appears afterwards, oldest first.
package archive
