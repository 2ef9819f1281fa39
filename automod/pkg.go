package automod

import (
	"github.com/chatwarden/warden/automod/countstore"
	"github.com/chatwarden/warden/automod/engine"
)

type Engine = engine.Engine
type Config = engine.Config
type StageSet = engine.StageSet
type Stage = engine.Stage
type StageFunc = engine.StageFunc

type Notifier = engine.Notifier
type SlackNotifier = engine.SlackNotifier
type ActionExecutor = engine.ActionExecutor

type MessageContext = engine.MessageContext

var (
	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour
)
