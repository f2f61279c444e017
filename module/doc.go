// Package module is the runtime for business modules living outside the
// router process.
//
// A Service consumes the Calls the router dispatches to its module subject and
// replies on the requester's reply subject. A Caller goes the other way: it
// publishes a Call for a station and waits for the router instance holding
// that station to return the station's answer.
package module
