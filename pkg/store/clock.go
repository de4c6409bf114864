package store

import "time"

// nowFn is the store time source. Package-level var so tests can pin it.
var nowFn = time.Now
