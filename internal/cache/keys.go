package cache

import "fmt"

func SweepLockKey(env string) string {
	return fmt.Sprintf("motiongif:%s:sweep", env)
}
