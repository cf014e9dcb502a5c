package sqlexec

// Register the two engines the adapter knows how to drive: the embedded
// pure-Go sqlite build under the "sqlite" driver name, and go-sql-driver
// under "mysql" for hosts pointing the store at a networked instance.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)
