// Package portal implements a stateful client for the SNIS surveillance
// reports portal, an ASP.NET WebForms application.
//
// The portal keeps the current report selection in a server-side session and
// only renders a table after the browser has replayed a fixed sequence of
// postbacks: load the page, pick a year, pick a variable group, then press
// "Procesar" once per month. Every response carries a fresh view-state that
// must be echoed back on the next request.
//
// A Session issues the individual postbacks and returns the refreshed State
// as a value. A Recollection drives the ordered sequence for one
// (year, group, variable) and refuses steps issued out of order. Sessions
// are not safe for concurrent dances: parallelism requires one Session per
// session cookie.
package portal
