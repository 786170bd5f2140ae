package db

import "strconv"

// LockKey builds the distributed lock key for a notification id.
func LockKey(id int64) string {
	return "notification:" + strconv.FormatInt(id, 10)
}
