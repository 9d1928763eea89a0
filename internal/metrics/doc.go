/*
Package metrics implements the instrument registry, HTTP request tracking,
and system resource sampling that back the service's Prometheus exposition.

The package is built around three cooperating components:

# Registry

The Registry owns every instrument in the process. Counters, gauges, and
histograms are created through the registry, which validates metric and
label names and rejects duplicate registrations. The registry renders the
full instrument set in the Prometheus text exposition format with
deterministic ordering, so two renders of the same state produce the same
output.

# Request Tracking

The RequestTracker maintains an in-flight table keyed by collision-free
request identifiers. Starting a request inserts a table entry and raises
the in-progress gauge; ending it records the outcome into the request
counters and latency/size histograms exactly once and lowers the gauge.
A background reaper evicts entries whose requests never completed so the
in-progress gauge cannot drift upward forever.

Endpoint labels are grouped with NormalizePath, which replaces UUID,
numeric, and long-token path segments with placeholders to keep label
cardinality bounded.

# Resource Sampling

The SystemSampler periodically reads process CPU time, memory, and file
descriptor usage along with host-wide CPU, memory, and disk usage, and
writes the readings into registry instruments. Each reading degrades
independently, so a platform that cannot report one value still reports
the rest.
*/
package metrics
