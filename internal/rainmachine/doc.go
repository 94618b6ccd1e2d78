// Package rainmachine knows how to talk to a RainMachine irrigation
// controller's weather ingestion endpoint (POST /api/4/parser/data).
//
// Destination builds the request URL from the device address, access token
// and protocol (https on port 8080, plain http on port 8081), encodes payloads
// and checks the controller's JSON response envelope.
//
// Transform applies a Table of linear field mappings
// (dest = source*scale + offset) to a METRIC record. Fields whose source is
// absent or null are omitted rather than sent as zero, because the
// controller's mixer treats a missing value as unknown. The result is wrapped
// as {"weather": [entry]}. A record with no mapped values still produces one
// empty entry.
//
// Enricher normalizes a record to METRIC and adds the day-to-date outdoor
// temperature range as outTempMin/outTempMax.
package rainmachine
