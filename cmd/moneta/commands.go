package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"moneta/internal/amqp"
	"moneta/internal/core"
	"moneta/internal/notify"
)

func addCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "record a transaction, optionally repeating it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "transaction date (YYYY-MM-DD), defaults to today"},
			&cli.StringFlag{Name: "amount", Usage: "amount, e.g. 12.50", Required: true},
			&cli.StringFlag{Name: "category", Usage: "category", Required: true},
			&cli.StringFlag{Name: "type", Usage: "income or expense", Value: string(core.Expense)},
			&cli.StringFlag{Name: "payment-mode", Usage: "payment mode, e.g. cash"},
			&cli.StringFlag{Name: "note", Usage: "free text note"},
			&cli.StringFlag{Name: "repeat", Usage: "daily, weekly, monthly or yearly"},
		},
		Action: func(c *cli.Context) error {
			cents, err := core.ParseDecimalToCents(c.String("amount"))
			if err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}

			date := c.String("date")
			if date == "" {
				loc, err := e.cfg.Location()
				if err != nil {
					return err
				}
				date = core.DateOf(time.Now().In(loc)).String()
			}

			tx := core.Transaction{
				Date: date,
				Template: core.Template{
					Amount:      core.Money{Cents: cents},
					Category:    c.String("category"),
					PaymentMode: c.String("payment-mode"),
					Note:        c.String("note"),
					Type:        core.TransactionType(strings.ToLower(c.String("type"))),
				},
			}

			var repeat *core.Frequency
			if s := c.String("repeat"); s != "" {
				f, err := core.ParseFrequency(s)
				if err != nil {
					return err
				}
				repeat = &f
			}

			saved, rule, err := e.service.RecordTransaction(c.Context, tx, repeat)
			if err != nil {
				return err
			}

			out := c.App.Writer
			fmt.Fprintf(out, "added %s %s %s %s\n", saved.ID, saved.Date, saved.Amount, saved.Category)
			if rule != nil {
				fmt.Fprintf(out, "repeats %s as rule %s, next on %s\n", rule.Frequency, rule.ID, rule.NextDueDate)
			}
			return nil
		},
	}
}

func rulesCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "list recurring rules",
		Action: func(c *cli.Context) error {
			rules, err := e.service.Rules(c.Context)
			if err != nil {
				return err
			}
			return printRules(c.App.Writer, rules)
		},
	}
}

func deactivateCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:      "deactivate",
		Usage:     "stop a recurring rule",
		ArgsUsage: "RULE_ID",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("rule id is required", 2)
			}
			if err := e.service.Deactivate(c.Context, id); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "deactivated %s\n", id)
			return nil
		},
	}
}

func refreshCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "materialize every recurring transaction due so far",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "reference date (YYYY-MM-DD) instead of now"},
		},
		Action: func(c *cli.Context) error {
			now := time.Now()
			if at := c.String("at"); at != "" {
				d, err := core.ParseDate(at)
				if err != nil {
					return err
				}
				loc, err := e.cfg.Location()
				if err != nil {
					return err
				}
				now = time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
			}

			summary, err := e.service.Refresh(c.Context, now)
			if err != nil {
				return err
			}

			out := c.App.Writer
			if summary.Generated == 0 {
				fmt.Fprintln(out, "nothing due")
			} else {
				fmt.Fprintln(out, notify.Message(summary.Generated))
			}
			for _, skipped := range summary.Skipped {
				fmt.Fprintf(c.App.ErrWriter, "skipped %s\n", skipped.Error())
			}
			return nil
		},
	}
}

func listCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list transactions, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "maximum rows, 0 for all", Value: 20},
		},
		Action: func(c *cli.Context) error {
			txs, err := e.service.Transactions(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			return printTransactions(c.App.Writer, txs)
		},
	}
}

func watchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print recurring summaries published by the worker",
		Action: func(c *cli.Context) error {
			if e.cfg.AMQPURL == "" {
				return cli.Exit("AMQP_URL is not set", 2)
			}
			client, err := amqp.NewClient(e.cfg.AMQPURL, e.cfg.AMQPExchange, e.cfg.AMQPQueue)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.ConsumeSummaries(c.Context, func(msg *amqp.RecurringSummaryMessage) error {
				_, err := fmt.Fprintf(c.App.Writer, "%s  %s\n",
					msg.Timestamp.Local().Format(time.DateTime), notify.Message(msg.Count))
				return err
			})
			if c.Context.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func printRules(w io.Writer, rules []core.RecurringRule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFREQUENCY\tNEXT DUE\tLAST RUN\tACTIVE\tAMOUNT\tTYPE\tCATEGORY")
	for _, r := range rules {
		lastRun := r.LastRun
		if lastRun == "" {
			lastRun = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.ID, r.Frequency, r.NextDueDate, lastRun, r.Active,
			r.Template.Amount, r.Template.Type, r.Template.Category)
	}
	return tw.Flush()
}

func printTransactions(w io.Writer, txs []core.Transaction) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tAMOUNT\tTYPE\tCATEGORY\tPAYMENT\tNOTE\tRULE")
	for _, tx := range txs {
		rule := tx.RuleID
		if rule == "" {
			rule = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			tx.Date, tx.Amount, tx.Type, tx.Category, tx.PaymentMode, tx.Note, rule)
	}
	return tw.Flush()
}
