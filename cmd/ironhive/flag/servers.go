package flag

import (
	"github.com/ironhive/ironhive/pkg/flag/delimitedlist"
)

// ServersConfig shapes the servers listing.
type ServersConfig struct {
	Columns []string
}

func RegisterServersFlags(fs *Set, sc *ServersConfig) {
	fs.Register(ServersColumns, delimitedlist.New(&sc.Columns, ','))
}

var ServersColumns = Config{
	Name:  "columns",
	Usage: "comma-separated columns to print, see the command help for names",
}
