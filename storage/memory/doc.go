// Package memory provides an in-memory implementation of both storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments. Expired tokens are reaped lazily by TouchOrExpire; there is no
// background sweeper.
package memory
