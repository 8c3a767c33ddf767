// Package pullbox keeps the secrets of a coding agent's host process away
// from the shell commands the agent runs.
//
// It has four parts:
//   - An environment filter that drops sensitive variables before a
//     command starts (FilterEnvironment).
//   - A launcher that runs each command in its own process group and,
//     when isolated, in fresh user, mount and PID namespaces where the
//     host's /proc entries are out of reach (Launcher).
//   - A policy engine that compiles a three-state permission policy into
//     a Landlock ruleset and applies it, irreversibly, to the whole host
//     process (Compile, Apply).
//   - A command tool that ties the filter and the launcher together
//     behind the agent-facing contract (CommandTool).
//
// Linux only. Binaries that call Apply or launch isolated commands must
// call MaybeSandboxInit first thing in main. A binary that cannot restrict
// all of its threads in place, such as one built with cgo, is restarted
// by Apply inside the sandbox, so Apply belongs early in main.
//
// Basic usage:
//
//	func main() {
//	    if pullbox.MaybeSandboxInit() {
//	        return
//	    }
//	    opts, _ := pullbox.DefaultCompileOptions()
//	    policy := pullbox.DefaultPolicy(pullbox.Public)
//	    cfg, err := pullbox.Compile(policy, opts)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if _, err := pullbox.Apply(cfg); err != nil {
//	        log.Fatal(err)
//	    }
//	    tool := pullbox.NewCommandTool(pullbox.WithPolicy(policy))
//	    res, err := tool.Execute(ctx, pullbox.Params{Command: "go test ./..."})
//	}
package pullbox
