package rpc

import (
	"towerbft/consensus"
	"towerbft/forks"
	"towerbft/libs/metric"
	"towerbft/mempool"
	"towerbft/store"
)

var env *Environment

func SetEnvironment(e *Environment) {
	env = e
}

type Environment struct {
	Mempool   mempool.Mempool
	Consensus *consensus.ConsensusState
	ForkTable *forks.ForkTable
	Store     *store.Store

	MetricSet *metric.MetricSet
}
