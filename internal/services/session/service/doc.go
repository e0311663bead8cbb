// Package service is the lifecycle authority of the session server.
//
// Every mutation is planned by the domain package against the row just read,
// then written with a conditional update. The service stamps join, start and
// end times from its own clock and never accepts client-asserted timestamps.
// Written rows are published to the change feed and recorded in the audit
// trail.
package service
