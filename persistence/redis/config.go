package redis

type Config struct {
	Addrs      []string
	Namespace  string
	Partitions int
}
