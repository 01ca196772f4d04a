/*
Corosched runs synthetic workloads on a coroutine scheduler.

Usage: corosched <command> [arguments]

The commands are:

	run            run a workload
	history        list or prune stored run reports
	log            print the records of a run log
	config         print the effective configuration
	help           print this help

The 'run' command:

Usage: corosched run [-config=file] [-strategy=...] [-workers=n] [-tasks=n]
[-steps=n] [-sleep=d] [-fanout=n] [-immediate] [-scenario=name]
[-repeat=n] [-parallel=n] [-db=file] [-log=level] [-logfile=file]

The run command starts a manager, runs Tasks coroutines that each pass Steps
suspension points and launch Fanout children, and checks that every step was
accounted for. Flags override the values loaded from -config.

The log level comes from -log, else from the COROSCHED_LOG environment
variable, else from the config file. With -logfile the manager writes JSON
records to that file instead of the console; with -repeat above 1 every
run gets its own file, named file.0, file.1 and so on.

The -scenario flag disturbs the manager while the workload runs; known
scenarios are none, resize, migrate and stop-the-world.

The -repeat flag runs the workload n times; -parallel bounds how many
independent managers run at once. With -db every run is stored as a report.

The 'history' command:

Usage: corosched history [-db=file] [-n=count] [-prune=keep]

The history command lists the most recent stored reports, newest first. With
-prune it deletes all but the newest keep reports instead.

The 'log' command:

Usage: corosched log [-worker=id] [-format=raw|indented|pretty] file

The log command reads a file written by 'run -logfile' and prints its
records in sequence order, optionally only those of one worker (for
example -worker=1.1).

The 'config' command:

Usage: corosched config [-config=file]

The config command prints the configuration a run would use, in HCL.
*/
package main
