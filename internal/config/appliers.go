package config

import (
	"time"

	appcfg "stellar-mm/config"
	"stellar-mm/strategy"
)

// SpreadSetter 接收新的价差表
type SpreadSetter interface {
	SetTable(table *strategy.SpreadTable) error
}

// IntervalSetter 接收新的重报价间隔
type IntervalSetter interface {
	SetRequoteInterval(d time.Duration)
}

// QuotingApplier 把 quoting 段应用到报价计算器与控制器。
// 价差表换新后，进行中的会话从下一个周期开始使用；间隔只影响之后启动的会话。
func QuotingApplier(calc SpreadSetter, sched IntervalSetter) Applier {
	return func(cfg appcfg.AppConfig) error {
		table, err := cfg.Quoting.SpreadTable()
		if err != nil {
			return err
		}
		if err := calc.SetTable(table); err != nil {
			return err
		}
		if sched != nil {
			sched.SetRequoteInterval(cfg.Quoting.RequoteInterval)
		}
		return nil
	}
}
