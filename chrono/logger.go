package chrono

import "github.com/openafs-contrib/cellcc/l3"

var logger = l3.Get()
