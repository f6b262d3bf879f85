package dispatcher

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// resetAllPattern matches /reset with an "everyone" qualifier, in every
// localized spelling the spec names.
var resetAllPattern = regexp.MustCompile(`(?i)^/(?:reset(all)?|重置)\s*(all|everyone|所有人|全群)?\s*$`)
var resetSelfPattern = regexp.MustCompile(`(?i)^/reset\s*$`)
var modelPattern = regexp.MustCompile(`(?i)^/(?:model|模型)\s+(\S+)\s*$`)

// diceSpecPattern matches NdM with 1<=N<=10, 1<=M<=100 (spec §8:
// parseDiceSpec). Range bounds are checked after the regex match, not
// baked into it, so a malformed-but-in-range-looking spec like "0d6"
// still reports a clean rejection.
var diceSpecPattern = regexp.MustCompile(`^(\d+)d(\d+)$`)

// parseDiceSpec accepts exactly "NdM" with 1<=N<=10, 1<=M<=100; rejects
// everything else.
func parseDiceSpec(s string) (n, m int, ok bool) {
	match := diceSpecPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, 0, false
	}
	n, errN := strconv.Atoi(match[1])
	m, errM := strconv.Atoi(match[2])
	if errN != nil || errM != nil {
		return 0, 0, false
	}
	if n < 1 || n > 10 || m < 1 || m > 100 {
		return 0, 0, false
	}
	return n, m, true
}

var modelClearTokens = map[string]bool{
	"default": true, "clear": true, "none": true, "off": true, "reset": true, "默认": true,
}

// isModelClearToken reports whether s, compared case-insensitively, is
// one of the modelClearTokens that clear a model override.
func isModelClearToken(s string) bool { return modelClearTokens[strings.ToLower(s)] }

// commandResult carries the outcome of a matched management command:
// whether it matched at all, and the (already localized) reply text to
// send back, if any.
type commandResult struct {
	matched bool
	reply   string
}

// tryManagementCommand matches content against the management command
// grammar (spec §4.4 step 8) and executes the matching handler. Returns
// matched=false if content isn't a recognized command, in which case
// the pipeline continues past this step.
func (d *Dispatcher) tryManagementCommand(ctx context.Context, content string, pctx pipelineCtx) commandResult {
	trimmed := strings.TrimSpace(content)

	if resetSelfPattern.MatchString(trimmed) {
		return d.handleResetSelf(ctx, pctx)
	}
	if m := resetAllPattern.FindStringSubmatch(trimmed); m != nil && (m[1] != "" || m[2] != "") {
		return d.handleResetAll(ctx, pctx)
	}
	if m := modelPattern.FindStringSubmatch(trimmed); m != nil {
		return d.handleModel(ctx, pctx, m[1])
	}
	return commandResult{matched: false}
}

func (d *Dispatcher) handleResetSelf(ctx context.Context, pctx pipelineCtx) commandResult {
	target := pctx.mentionedUserID()
	if target == "" {
		target = pctx.event.UserID
	}

	if _, err := d.resolver.ResetSelf(ctx, string(pctx.botID), string(pctx.groupID), target, pctx.key); err != nil {
		d.logTransient("reset_self", err)
		return commandResult{matched: true, reply: "重置失败，请稍后重试。"}
	}
	return commandResult{matched: true, reply: "会话已重置。"}
}

func (d *Dispatcher) handleResetAll(ctx context.Context, pctx pipelineCtx) commandResult {
	if !pctx.isAdmin() {
		return commandResult{matched: true, reply: "权限不足，仅管理员可执行该操作。"}
	}

	users, archived, failed, err := d.resolver.ResetAll(ctx, string(pctx.botID), string(pctx.groupID))
	if err != nil {
		d.logTransient("reset_all", err)
		return commandResult{matched: true, reply: "重置失败，请稍后重试。"}
	}
	if users == 0 {
		return commandResult{matched: true, reply: "当前没有可重置的用户会话。"}
	}
	return commandResult{matched: true, reply: fmt.Sprintf("已重置 %d 个会话（共 %d 位用户，失败 %d）。", archived, users, failed)}
}

func (d *Dispatcher) handleModel(ctx context.Context, pctx pipelineCtx, name string) commandResult {
	if !pctx.isAdmin() {
		return commandResult{matched: true, reply: "权限不足，仅管理员可执行该操作。"}
	}

	if isModelClearToken(name) {
		if err := d.resolver.SetModelOverride(ctx, string(pctx.botID), string(pctx.groupID), ""); err != nil {
			d.logTransient("model_clear", err)
			return commandResult{matched: true, reply: "操作失败，请稍后重试。"}
		}
		return commandResult{matched: true, reply: "已清除模型设置，使用默认模型。"}
	}

	if strings.Contains(name, "/") || !d.modelWhitelist[name] {
		return commandResult{matched: true, reply: fmt.Sprintf("未知模型：%s", name)}
	}

	if err := d.resolver.SetModelOverride(ctx, string(pctx.botID), string(pctx.groupID), name); err != nil {
		d.logTransient("model_set", err)
		return commandResult{matched: true, reply: "操作失败，请稍后重试。"}
	}
	return commandResult{matched: true, reply: fmt.Sprintf("模型已切换为 %s。", name)}
}
