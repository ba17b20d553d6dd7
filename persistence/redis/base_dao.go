package redis

import (
	"fmt"
	"strconv"
	"strings"

	rd "github.com/go-redis/redis/v9"
)

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
	partitions  int
}

func newBaseDao(conf Config) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
	partitions := conf.Partitions
	if partitions < 1 {
		partitions = 1
	}
	return &baseDao{
		redisClient: redisClient,
		namespace:   conf.Namespace,
		partitions:  partitions,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

func (bs *baseDao) executionKey(executionId string) string {
	return bs.getNamespaceKey("EXECUTION", executionId)
}

func (bs *baseDao) executionIndexKey() string {
	return bs.getNamespaceKey("EXECUTIONS")
}

func (bs *baseDao) stepsKey(executionId string) string {
	return bs.getNamespaceKey("STEPS", executionId)
}

func (bs *baseDao) joinKey(executionId string) string {
	return bs.getNamespaceKey("JOINS", executionId)
}

func (bs *baseDao) claimsKey(executionId string) string {
	return bs.getNamespaceKey("CLAIMS", executionId)
}

func (bs *baseDao) snapshotKey(ref string) string {
	return bs.getNamespaceKey("SNAPSHOT", ref)
}

func (bs *baseDao) variableRefKey() string {
	return bs.getNamespaceKey("VARREF")
}

func (bs *baseDao) readyKey(partition int) string {
	return bs.getNamespaceKey("ready", strconv.Itoa(partition))
}

func (bs *baseDao) retryKey(partition int) string {
	return bs.getNamespaceKey("retry", strconv.Itoa(partition))
}

func (bs *baseDao) resumeKey(partition int) string {
	return bs.getNamespaceKey("resume", strconv.Itoa(partition))
}

func (bs *baseDao) timeoutKey(partition int) string {
	return bs.getNamespaceKey("timeout", strconv.Itoa(partition))
}

func (bs *baseDao) definitionKey(name string) string {
	return bs.getNamespaceKey("DEFINITION", name)
}

func (bs *baseDao) definitionIndexKey() string {
	return bs.getNamespaceKey("DEFINITIONS")
}

func (bs *baseDao) eventsKey(executionId string) string {
	return bs.getNamespaceKey("EVENTS", executionId)
}
